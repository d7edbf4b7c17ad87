package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/luma-therapy/luma/backend/internal/model/chat"
	"github.com/luma-therapy/luma/backend/internal/sse"
)

// Sink is the outbound side of a pass. Write receives whole records.
type Sink interface {
	Write(record []byte) error
	Close() error
}

var errTerminated = errors.New("terminal frame already written")

// frameWriter lets exactly one terminal record through and closes the sink
// exactly once.
type frameWriter struct {
	sink       Sink
	terminated bool
	written    int
	closeOnce  sync.Once
	closeErr   error
}

func newFrameWriter(sink Sink) *frameWriter {
	return &frameWriter{sink: sink}
}

func (w *frameWriter) forward(record []byte, terminal bool) error {
	if w.terminated {
		return errTerminated
	}
	if terminal {
		w.terminated = true
	}
	if err := w.write(record); err != nil {
		return err
	}
	w.written++
	return nil
}

func (w *frameWriter) terminal(frame chat.Frame) error {
	return w.forward(sse.Encode(frame), true)
}

// write shields the pass from a panicking sink.
func (w *frameWriter) write(record []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink write panicked: %v", p)
		}
	}()
	return w.sink.Write(record)
}

func (w *frameWriter) close() error {
	w.closeOnce.Do(func() {
		defer func() {
			if p := recover(); p != nil {
				w.closeErr = fmt.Errorf("sink close panicked: %v", p)
			}
		}()
		w.closeErr = w.sink.Close()
	})
	return w.closeErr
}
