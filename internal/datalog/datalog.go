// Package datalog persists the per-battery discharge time series.
// Each started channel gets its own append-only, human-readable file; a
// counter file keeps successive runs from overwriting each other.
package datalog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sweeney/battery-tester/internal/tester"
)

const (
	// DefaultCounterFile is the counter file name inside the log directory.
	DefaultCounterFile = "tester.count"

	headerFormat = "# battery %s (slot %d): time (s); voltage (V); current (A); charge (Ah)\n"
	rowFormat    = "%9.2f; %6.3f; %6.3f; %8.5f\n"

	// existing files are skipped, never overwritten
	maxOpenAttempts = 1000
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store opens log files in a directory.
type Store struct {
	dir     string
	counter *Counter
}

// NewStore creates a Store writing into dir, using the counter file
// counterName (relative to dir unless absolute).
func NewStore(dir, counterName string) *Store {
	if counterName == "" {
		counterName = DefaultCounterFile
	}
	if !filepath.IsAbs(counterName) {
		counterName = filepath.Join(dir, counterName)
	}
	return &Store{dir: dir, counter: NewCounter(counterName)}
}

// Dir returns the log directory.
func (s *Store) Dir() string { return s.dir }

// FileName returns the log file name for a run number and battery name.
func FileName(n int, battery string) string {
	name := strings.Trim(unsafeName.ReplaceAllString(battery, "_"), "_")
	if name == "" {
		return fmt.Sprintf("battery%03d.csv", n)
	}
	return fmt.Sprintf("%s-%03d.csv", name, n)
}

// Open creates a new log file for the battery in slot and writes its header.
// It implements tester.LogOpener.
func (s *Store) Open(slot int, battery string) (tester.Sink, error) {
	var (
		f    *os.File
		path string
		err  error
	)
	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		path = filepath.Join(s.dir, FileName(s.counter.Next(), battery))
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if !errors.Is(err, fs.ErrExist) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create log %s: %w", path, err)
	}

	label := battery
	if label == "" {
		label = filepath.Base(path)
	}
	if _, err := fmt.Fprintf(f, headerFormat, label, slot); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header %s: %w", path, err)
	}

	log.Printf("datalog: slot %d logging to %s", slot, path)
	return &File{f: f, path: path}, nil
}

// File is an append-only log file. It implements tester.Sink.
type File struct {
	f    *os.File
	path string
}

// Path returns the file path.
func (l *File) Path() string { return l.path }

// Append writes one row.
func (l *File) Append(row tester.Row) error {
	if l.f == nil {
		return os.ErrClosed
	}
	_, err := fmt.Fprintf(l.f, rowFormat, row.Elapsed, row.Voltage, row.Current, row.Charge)
	return err
}

// Close flushes and closes the file. Closing twice is a no-op.
func (l *File) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// CheckWritable verifies that files can be created in dir by writing and
// removing a probe file.
func CheckWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("log dir %s: not a directory", dir)
	}

	probe := filepath.Join(dir, ".write-test")
	if err := os.WriteFile(probe, []byte("tested\n"), 0o644); err != nil {
		return fmt.Errorf("log dir %s not writable: %w", dir, err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("log dir %s: remove probe: %w", dir, err)
	}
	return nil
}

// ErrNoRows is returned by Summarize for a log without data rows.
var ErrNoRows = errors.New("log has no rows")

// Header is the parsed header line of a log.
type Header struct {
	Battery string
	Slot    int
}

// ReadLog parses a log written by File.
func ReadLog(r io.Reader) (Header, []tester.Row, error) {
	return parse(r)
}

// Summary describes a finished log.
type Summary struct {
	Battery     string
	Rows        int
	Duration    float64 // seconds
	OpenVoltage float64
	MinVoltage  float64
	Capacity    float64 // Ah, highest accumulated charge seen
}

// Summarize reads a log and returns its summary.
func Summarize(r io.Reader) (Summary, error) {
	h, rows, err := parse(r)
	if err != nil {
		return Summary{}, err
	}
	if len(rows) == 0 {
		return Summary{}, ErrNoRows
	}

	s := Summary{
		Battery:     h.Battery,
		Rows:        len(rows),
		Duration:    rows[len(rows)-1].Elapsed,
		OpenVoltage: rows[0].Voltage,
		MinVoltage:  rows[0].Voltage,
	}
	for _, row := range rows {
		if row.Voltage < s.MinVoltage {
			s.MinVoltage = row.Voltage
		}
		if row.Charge > s.Capacity {
			s.Capacity = row.Charge
		}
	}
	return s, nil
}
