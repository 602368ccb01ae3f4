package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var (
	errTransport = errors.New("dial tcp: connection refused")
	errRejected  = errors.New("no such image")
)

func transportOnly(err error) bool { return errors.Is(err, errTransport) }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(2, time.Minute, transportOnly)
	fail := func() error { return errTransport }

	_ = b.Execute(fail)
	if b.Open() {
		t.Fatal("breaker opened too early")
	}
	_ = b.Execute(fail)
	if !b.Open() {
		t.Fatal("expected breaker to open")
	}
	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerIgnoresRejections(t *testing.T) {
	b := NewBreaker(1, time.Minute, transportOnly)
	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errRejected }); !errors.Is(err, errRejected) {
			t.Fatalf("expected rejection to pass through, got %v", err)
		}
	}
	if b.Open() {
		t.Fatal("engine rejections must not open the breaker")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker(1, 30*time.Second, nil)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errTransport })
	now = now.Add(31 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe should run: %v", err)
	}
	if b.Open() {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreakersKeyed(t *testing.T) {
	set := NewBreakers(1, time.Minute, nil)
	_ = set.For("node-a").Execute(func() error { return errTransport })
	if !set.For("node-a").Open() {
		t.Fatal("node-a should be open")
	}
	if set.For("node-b").Open() {
		t.Fatal("node-b must be unaffected")
	}
	set.Forget("node-a")
	if set.For("node-a").Open() {
		t.Fatal("forgotten breaker should start closed")
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Base: time.Millisecond}, transportOnly, func(context.Context) error {
		calls++
		return errRejected
	})
	if !errors.Is(err, errRejected) || calls != 1 {
		t.Fatalf("expected single call with rejection, got %d calls err=%v", calls, err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Base: time.Millisecond}, transportOnly, func(context.Context) error {
		calls++
		return errTransport
	})
	if !errors.Is(err, errTransport) || calls != 3 {
		t.Fatalf("expected 3 calls ending in transport error, got %d calls err=%v", calls, err)
	}
}
