package clock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/fabricd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualFiresOnAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	ch := m.After(time.Second)
	if m.Pending() != 1 {
		t.Fatalf("expected one pending timer, got %d", m.Pending())
	}
	m.Advance(500 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	m.Advance(500 * time.Millisecond)
	select {
	case at := <-ch:
		if !at.Equal(start.Add(time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("timer did not fire")
	}
	if m.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", m.Pending())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	m := clock.NewManual(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- clock.Wait(ctx, m, time.Minute) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	if err := clock.Wait(context.Background(), m, 0); err != nil {
		t.Fatalf("zero wait: %v", err)
	}
}
