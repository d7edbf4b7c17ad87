package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SetupSSEHeaders sets the headers of an event-stream response.
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// EncodeSSEData renders payload as a single `data: <json>\n\n` record.
func EncodeSSEData(payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal sse payload: %w", err)
	}

	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}

// SendSSEChunk writes payload as one data record and flushes it.
func SendSSEChunk(w http.ResponseWriter, flusher http.Flusher, payload interface{}) error {
	record, err := EncodeSSEData(payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(record); err != nil {
		return fmt.Errorf("write sse record: %w", err)
	}
	flusher.Flush()
	return nil
}
