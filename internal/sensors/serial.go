// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/inertial_steps/internal/imu"
)

// ErrBadLine marks an unparseable input line. Pump skips such lines.
var ErrBadLine = errors.New("sensors: bad line")

// LineReader parses text lines from a wearable or a recording:
//
//	A,<ts_ms>,<ax>,<ay>,<az>   accelerometer sample in g
//	S,<ts_ms>,<cumulative>     hardware step counter
//	<ts_ms>,<ax>,<ay>,<az>     accelerometer sample (no tag)
//
// Blank lines and lines starting with # are skipped.
type LineReader struct {
	sc     *bufio.Scanner
	closer io.Closer
	line   int
}

// NewLineReader reads lines from r. If r is an io.Closer it is closed by Close.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{sc: bufio.NewScanner(r)}
	if c, ok := r.(io.Closer); ok {
		lr.closer = c
	}
	return lr
}

// SerialOptions selects the serial port of a line source.
type SerialOptions struct {
	PortName string
	BaudRate int
}

// OpenSerial opens a serial port and reads lines from it.
func OpenSerial(opts SerialOptions) (*LineReader, error) {
	port, err := serial.Open(serial.OpenOptions{
		PortName:        opts.PortName,
		BaudRate:        uint(opts.BaudRate),
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      serial.PARITY_NONE,
	})
	if err != nil {
		return nil, fmt.Errorf("serial %s: %w", opts.PortName, err)
	}
	return NewLineReader(port), nil
}

// SerialOpener adapts OpenSerial for Subscribe.
func SerialOpener(opts SerialOptions) Opener {
	return func(context.Context) (Reader, error) {
		return OpenSerial(opts)
	}
}

// Read returns the next parsed line. The context is not consulted while the
// underlying reader blocks; closing the reader unblocks it.
func (l *LineReader) Read(ctx context.Context) (Reading, error) {
	for l.sc.Scan() {
		l.line++
		text := strings.TrimSpace(l.sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		rd, err := ParseLine(text)
		if err != nil {
			return Reading{}, fmt.Errorf("line %d: %w", l.line, err)
		}
		return rd, nil
	}
	if err := l.sc.Err(); err != nil {
		return Reading{}, err
	}
	return Reading{}, io.EOF
}

// Close closes the underlying reader, if any.
func (l *LineReader) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// ParseLine parses one line of the format described on LineReader.
func ParseLine(text string) (Reading, error) {
	fields := strings.Split(text, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	tag := "A"
	if len(fields) > 0 && (fields[0] == "A" || fields[0] == "S") {
		tag, fields = fields[0], fields[1:]
	}

	switch {
	case tag == "S" && len(fields) == 2:
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: timestamp %q", ErrBadLine, fields[0])
		}
		n, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || n < 0 {
			return Reading{}, fmt.Errorf("%w: step count %q", ErrBadLine, fields[1])
		}
		return Reading{Hardware: &imu.HardwareReading{TimestampMs: ts, CumulativeSteps: n}}, nil

	case tag == "A" && len(fields) == 4:
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: timestamp %q", ErrBadLine, fields[0])
		}
		var axes [3]float64
		for i := range axes {
			axes[i], err = strconv.ParseFloat(fields[i+1], 64)
			if err != nil {
				return Reading{}, fmt.Errorf("%w: axis %q", ErrBadLine, fields[i+1])
			}
		}
		return Reading{Sample: &imu.Sample{TimestampMs: ts, Ax: axes[0], Ay: axes[1], Az: axes[2]}}, nil
	}
	return Reading{}, fmt.Errorf("%w: %q", ErrBadLine, text)
}
