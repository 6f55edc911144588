package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// sseWriter emits Server-Sent Events over a committed response. Headers are
// written on first use; from then on errors can only travel in-band.
type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		return nil, apiError{status: http.StatusInternalServerError, message: "server does not support streaming responses"}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	return &sseWriter{w: writer, flusher: flusher}, nil
}

// writeEvent emits a named event: an `event:` line and a `data:` JSON line.
func (s *sseWriter) writeEvent(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// writeData emits a bare `data:` JSON line, the Chat Completions chunk form.
func (s *sseWriter) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// writeDone emits the literal [DONE] terminator.
func (s *sseWriter) writeDone() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	s.flusher.Flush()
	return nil
}
