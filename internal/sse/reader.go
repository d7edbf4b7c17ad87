// Package sse reads and writes the `data: {...}\n\n` records that carry chat
// frames between the completion service, the relay and its clients.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/pkg/utils"
)

const maxRecordSize = 1 << 20

var (
	// ErrMalformed is returned for a data record whose payload is not a frame.
	ErrMalformed = errors.New("malformed stream record")
	// ErrRecordTooLarge is returned when a record exceeds the reader buffer.
	ErrRecordTooLarge = errors.New("stream record too large")
)

// Record is one event-stream record exactly as it appeared on the wire,
// including its trailing blank line when one was present.
type Record struct {
	Raw     []byte
	Frame   chat.Frame
	HasData bool
}

// Reader is a pull-based sequence of records over an event stream. The
// sequence is finite and cannot be restarted.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxRecordSize)
	scanner.Split(splitRecords)
	return &Reader{scanner: scanner}
}

// Next returns the next record, or io.EOF once the stream is exhausted. A
// malformed data record is returned alongside an error wrapping ErrMalformed.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}

	if !r.scanner.Scan() {
		r.done = true
		err := r.scanner.Err()
		switch {
		case err == nil:
			return Record{}, io.EOF
		case errors.Is(err, bufio.ErrTooLong):
			return Record{}, ErrRecordTooLarge
		default:
			return Record{}, err
		}
	}

	raw := append([]byte(nil), r.scanner.Bytes()...)
	rec := Record{Raw: raw}

	payload, ok := Payload(raw)
	if !ok {
		return rec, nil
	}
	rec.HasData = true

	if bytes.Equal(payload, []byte("[DONE]")) {
		rec.Frame = chat.Frame{Done: true}
		return rec, nil
	}

	if err := json.Unmarshal(payload, &rec.Frame); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return rec, nil
}

// Payload joins the data lines of a record. It reports false for records
// without data lines, such as comments.
func Payload(raw []byte) ([]byte, bool) {
	var parts [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		value := bytes.TrimPrefix(line, []byte("data:"))
		value = bytes.TrimPrefix(value, []byte(" "))
		parts = append(parts, value)
	}
	if len(parts) == 0 {
		return nil, false
	}
	return bytes.Join(parts, []byte("\n")), true
}

// splitRecords splits on the first blank line (LF or CRLF), keeping the
// delimiter in the token so records pass through byte-identical.
func splitRecords(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	end := -1
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		end = i + 2
	}
	if i := bytes.Index(data, []byte("\r\n\r\n")); i >= 0 && (end < 0 || i+4 < end) {
		end = i + 4
	}
	if end > 0 {
		return end, data[:end], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Encode renders a frame as one data record.
func Encode(frame chat.Frame) []byte {
	record, err := utils.EncodeSSEData(frame)
	if err != nil {
		// chat.Frame only holds strings and bools.
		panic(err)
	}
	return record
}
