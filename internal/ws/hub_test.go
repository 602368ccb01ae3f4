package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
}

func (s *recordingSubscriber) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, string(p))
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *recordingSubscriber) snapshot() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.payloads...), s.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestHubDeliversByTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("container:1", a)
	hub.Register("container:2", b)

	hub.Broadcast("container:1", []byte("running"))
	waitFor(t, func() bool {
		got, _ := a.snapshot()
		return len(got) == 1
	})
	if got, _ := b.snapshot(); len(got) != 0 {
		t.Fatalf("subscriber on other topic received %v", got)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := &recordingSubscriber{fail: true}
	hub.Register("deployment:9", broken)
	waitFor(t, func() bool { return hub.Subscribers("deployment:9") == 1 })

	hub.Broadcast("deployment:9", []byte("x"))
	waitFor(t, func() bool { return hub.Subscribers("deployment:9") == 0 })
	if _, closed := broken.snapshot(); !closed {
		t.Fatalf("failing subscriber should be closed")
	}
}

func TestHubCloseReleasesCallers(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("t", sub)
	hub.Close()

	done := make(chan struct{})
	go func() {
		hub.Register("t", &recordingSubscriber{})
		hub.Unregister("t", sub)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("calls after Close must not block")
	}
}
