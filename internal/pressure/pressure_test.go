package pressure

import (
	"testing"
	"time"
)

func TestNewRuntimePollerRejectsZeroLimit(t *testing.T) {
	if _, err := NewRuntimePoller(Config{}); err == nil {
		t.Fatal("expected error for zero LimitBytes")
	}
}

func TestNewRuntimePollerDefaults(t *testing.T) {
	p, err := NewRuntimePoller(Config{LimitBytes: 1 << 30})
	if err != nil {
		t.Fatalf("NewRuntimePoller: %v", err)
	}
	if p.fraction != 0.70 {
		t.Fatalf("fraction = %v, want 0.70", p.fraction)
	}
	if p.interval != 250*time.Millisecond {
		t.Fatalf("interval = %v, want 250ms", p.interval)
	}
}

func TestSubscribeFiresWhenThresholdTrivial(t *testing.T) {
	// A 1-byte limit is exceeded by any live process immediately.
	p, err := NewRuntimePoller(Config{LimitBytes: 1, Fraction: 0.01, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRuntimePoller: %v", err)
	}

	fired := make(chan struct{}, 1)
	unsubscribe, err := p.Subscribe(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onExceeded was never called")
	}
}

func TestUnsubscribeStopsPolling(t *testing.T) {
	p, err := NewRuntimePoller(Config{LimitBytes: 1, Fraction: 0.01, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRuntimePoller: %v", err)
	}

	var count int
	done := make(chan struct{})
	unsubscribe, err := p.Subscribe(func() {
		count++
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	time.AfterFunc(20*time.Millisecond, func() { close(done) })
	<-done
	unsubscribe()

	seenAfterStop := count
	time.Sleep(30 * time.Millisecond)
	if count > seenAfterStop+1 {
		t.Fatalf("poller kept firing after unsubscribe: before=%d after=%d", seenAfterStop, count)
	}
}

func TestMemoryInuseIsPositive(t *testing.T) {
	if MemoryInuse() == 0 {
		t.Fatal("expected a nonzero memory reading for a running process")
	}
}
