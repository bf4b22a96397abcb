package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the rate of the measurement MCU firmware.
	DefaultBaudRate = 115200

	serialReadTimeout = 500 * time.Millisecond
)

var (
	// ErrBridge is wrapped by errors reported by the MCU itself.
	ErrBridge = errors.New("sensor bridge error")

	// ErrTimeout is returned when no complete reply arrives within the
	// port read timeout.
	ErrTimeout = errors.New("sensor bridge timeout")
)

// SerialBridge talks to a measurement MCU over a USB serial line.
//
// Protocol, one command per line, one reply line per command:
//
//	E <ch> <0|1>   -> OK
//	R <ch>         -> <ch>,<millivolts>,<milliamps>
//
// Any command may instead be answered with "ERR <message>".
type SerialBridge struct {
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// OpenSerialBridge opens the serial port at the given baud rate.
func OpenSerialBridge(port string, baudRate int) (*SerialBridge, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	p, err := serial.Open(port, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", port, err)
	}
	if err := p.SetReadTimeout(serialReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", port, err)
	}
	return newSerialBridge(p), nil
}

func newSerialBridge(conn io.ReadWriteCloser) *SerialBridge {
	return &SerialBridge{conn: conn, rd: bufio.NewReader(portReader{conn})}
}

// portReader reports a read that returns no data as ErrTimeout. The serial
// port answers (0, nil) once its read timeout expires, which bufio would
// otherwise retry many times over.
type portReader struct {
	r io.Reader
}

func (p portReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

// inputFlusher is implemented by serial.Port.
type inputFlusher interface {
	ResetInputBuffer() error
}

// Enable switches measurement of a channel on or off.
func (b *SerialBridge) Enable(channel int, on bool) error {
	flag := 0
	if on {
		flag = 1
	}
	reply, err := b.command(fmt.Sprintf("E %d %d", channel, flag))
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("enable channel %d: unexpected reply %q", channel, reply)
	}
	return nil
}

// Read returns voltage and current of a channel.
func (b *SerialBridge) Read(channel int) (float64, float64, error) {
	reply, err := b.command(fmt.Sprintf("R %d", channel))
	if err != nil {
		return 0, 0, err
	}
	return parseReading(channel, reply)
}

// Close closes the serial port.
func (b *SerialBridge) Close() error {
	return b.conn.Close()
}

func (b *SerialBridge) command(cmd string) (string, error) {
	if _, err := io.WriteString(b.conn, cmd+"\n"); err != nil {
		b.resync()
		return "", fmt.Errorf("send %q: %w", cmd, err)
	}
	line, err := b.rd.ReadString('\n')
	if err != nil {
		b.resync()
		return "", fmt.Errorf("reply to %q: %w", cmd, err)
	}
	line = strings.TrimSpace(line)
	if msg, ok := strings.CutPrefix(line, "ERR"); ok {
		return "", fmt.Errorf("%w: %s", ErrBridge, strings.TrimSpace(msg))
	}
	return line, nil
}

// resync drops any partial or late reply so the next command reads its own
// answer.
func (b *SerialBridge) resync() {
	if f, ok := b.conn.(inputFlusher); ok {
		if err := f.ResetInputBuffer(); err != nil {
			log.Printf("sensor: reset serial input: %v", err)
		}
	}
	b.rd.Reset(portReader{b.conn})
}

// parseReading parses "<ch>,<mV>,<mA>".
func parseReading(channel int, line string) (float64, float64, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("invalid reading %q: expected 3 comma-separated values, got %d", line, len(parts))
	}
	ch, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid channel in %q: %w", line, err)
	}
	if ch != channel {
		return 0, 0, fmt.Errorf("reading for channel %d, asked for %d", ch, channel)
	}
	mv, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid voltage in %q: %w", line, err)
	}
	ma, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid current in %q: %w", line, err)
	}
	return float64(mv) / 1000, float64(ma) / 1000, nil
}
