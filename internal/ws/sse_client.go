package ws

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

// SSEClient delivers hub payloads as server-sent events. Each frame is named
// after the event's type so browsers can attach per-type listeners.
type SSEClient struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	done    bool
	nextID  uint64
}

// NewSSEClient wraps an open event-stream response.
func NewSSEClient(w io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{w: w, flusher: flusher, log: logger}
}

// Send writes payload as one event frame.
func (c *SSEClient) Send(payload []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &head)

	var frame bytes.Buffer
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	frame.WriteString("id: ")
	frame.WriteString(strconv.FormatUint(c.nextID, 10))
	frame.WriteByte('\n')
	if head.Type != "" {
		frame.WriteString("event: ")
		frame.WriteString(head.Type)
		frame.WriteByte('\n')
	}
	// A data field cannot span lines.
	for _, line := range bytes.Split(payload, []byte("\n")) {
		frame.WriteString("data: ")
		frame.Write(line)
		frame.WriteByte('\n')
	}
	frame.WriteByte('\n')
	return c.flush(frame.Bytes(), "sse send failed")
}

// Heartbeat writes a comment frame so proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flush([]byte(": keepalive\n\n"), "sse heartbeat failed")
}

// flush must be called with mu held.
func (c *SSEClient) flush(frame []byte, failure string) error {
	if c.done {
		return io.ErrClosedPipe
	}
	if _, err := c.w.Write(frame); err != nil {
		c.done = true
		c.log.Debug(failure, "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes; the handler owns the response itself.
func (c *SSEClient) Close() {
	c.mu.Lock()
	c.done = true
	c.mu.Unlock()
}
