package datalog

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/sweeney/battery-tester/internal/tester"
)

var headerRe = regexp.MustCompile(`^# battery (.*) \(slot (\d+)\):`)

func parse(r io.Reader) (Header, []tester.Row, error) {
	var (
		h    Header
		rows []tester.Row
	)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if m := headerRe.FindStringSubmatch(line); m != nil {
				h.Battery = m[1]
				h.Slot, _ = strconv.Atoi(m[2])
			}
			continue
		}

		row, err := parseRow(line)
		if err != nil {
			return h, rows, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return h, rows, fmt.Errorf("read log: %w", err)
	}
	return h, rows, nil
}

func parseRow(line string) (tester.Row, error) {
	parts := strings.Split(line, ";")
	if len(parts) != 4 {
		return tester.Row{}, fmt.Errorf("expected 4 fields, got %d", len(parts))
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tester.Row{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = v
	}
	return tester.Row{Elapsed: vals[0], Voltage: vals[1], Current: vals[2], Charge: vals[3]}, nil
}
