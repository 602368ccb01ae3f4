package ws

import (
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestSSE() (*SSEClient, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return NewSSEClient(rec, rec, slog.New(slog.NewTextHandler(io.Discard, nil))), rec
}

func TestSSEFramesAreNamedByEventType(t *testing.T) {
	c, rec := newTestSSE()
	if err := c.Send([]byte(`{"type":"container.status","topic":"container:c1"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Send([]byte("plain\ntext")); err != nil {
		t.Fatalf("send: %v", err)
	}

	want := "id: 1\nevent: container.status\ndata: {\"type\":\"container.status\",\"topic\":\"container:c1\"}\n\n" +
		"id: 2\ndata: plain\ndata: text\n\n"
	if got := rec.Body.String(); got != want {
		t.Fatalf("unexpected stream:\n%q\nwant\n%q", got, want)
	}
	if !rec.Flushed {
		t.Fatal("expected frames to be flushed")
	}
}

func TestSSEClosedClientRejectsWrites(t *testing.T) {
	c, rec := newTestSSE()
	if err := c.Heartbeat(); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	c.Close()
	if err := c.Send([]byte(`{}`)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed pipe, got %v", err)
	}
	if strings.Count(rec.Body.String(), ": keepalive") != 1 {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}
