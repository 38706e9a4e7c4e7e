package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// The outward protocol is newline-delimited, prefixed text frames, each
// carrying one JSON-encoded Event:
//
//	data: {"type":"content","text":"Hello"}\n
//
// Consumers must tolerate partial frames and buffer until a full line
// is available; Reader does exactly that.

const framePrefix = "data: "

// EncodeFrame renders one event as a wire frame including the trailing
// newline.
func EncodeFrame(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(framePrefix) + len(payload) + 1)
	buf.WriteString(framePrefix)
	buf.Write(payload)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Writer emits events as wire frames, flushing after each one when the
// underlying writer supports it.
type Writer struct {
	w     io.Writer
	flush func() error
}

// NewWriter wraps w as a frame writer.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	switch f := w.(type) {
	case interface{ Flush() error }:
		sw.flush = f.Flush
	case interface{ Flush() }:
		sw.flush = func() error { f.Flush(); return nil }
	}
	return sw
}

// Write emits one event frame.
func (w *Writer) Write(ev Event) error {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if w.flush != nil {
		if err := w.flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
	}
	return nil
}

// Reader decodes wire frames back into events, buffering partial frames
// until a full line is available.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r as a frame reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max.
	return &Reader{scanner: scanner}
}

// Next returns the next event, io.EOF at end of stream. Lines that are
// not event frames (keep-alives, blank lines) are skipped.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if !strings.HasPrefix(line, framePrefix) {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, framePrefix)), &ev); err != nil {
			return Event{}, fmt.Errorf("decode frame: %w", err)
		}
		if err := ev.Validate(); err != nil {
			return Event{}, err
		}
		return ev, nil
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
