package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"spikewatch/internal/model"
)

func TestCircuitBreakerTripsAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return boom }); err != boom {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}
	if err := cb.Execute(func() error { t.Fatal("must not run"); return nil }); err != ErrCircuitOpen {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour)
	boom := errors.New("boom")

	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return nil })
	cb.Execute(func() error { return boom })
	cb.Execute(func() error { return boom })

	if cb.CurrentState() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.CurrentState())
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	boom := errors.New("boom")

	var transitions []string
	cb.OnStateChange = func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	cb.Execute(func() error { return boom })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", cb.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)

	// Probe fails: reopen.
	cb.Execute(func() error { return boom })
	if cb.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want reopened", cb.CurrentState())
	}

	time.Sleep(20 * time.Millisecond)

	// Probe succeeds: close.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if cb.CurrentState() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.CurrentState())
	}

	want := []string{"closed>open", "open>half-open", "half-open>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestPublisherBuffersWhileOpen(t *testing.T) {
	p := &Publisher{breaker: NewCircuitBreaker(1, time.Hour)}
	// Trip the breaker.
	p.breaker.Execute(func() error { return errors.New("down") })

	for i := 0; i < 3; i++ {
		p.Publish(context.Background(), Event{
			UserID: int64(i),
			Alert:  model.Alert{Exchange: model.Bybit, Market: model.Spot, Symbol: "BTCUSDT"},
		})
	}
	if len(p.pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(p.pending))
	}
}

func TestPublisherReplayBufferBounded(t *testing.T) {
	p := &Publisher{breaker: NewCircuitBreaker(1, time.Hour)}
	p.breaker.Execute(func() error { return errors.New("down") })

	for i := 0; i < replayBuffer+50; i++ {
		p.buffer(Event{UserID: int64(i)})
	}
	if len(p.pending) != replayBuffer {
		t.Fatalf("pending = %d, want %d", len(p.pending), replayBuffer)
	}
	// Oldest events were dropped.
	if p.pending[0].UserID != 50 {
		t.Fatalf("front = %d, want 50", p.pending[0].UserID)
	}
	if p.dropped != 50 {
		t.Fatalf("dropped = %d", p.dropped)
	}
}
