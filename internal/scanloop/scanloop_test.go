package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	var calls atomic.Int32
	done := make(chan struct{})

	go func() {
		Run(stopCh, 5*time.Millisecond, 0, func() { calls.Add(1) })
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 invocations, got %d", calls.Load())
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected loop to exit after stop")
	}
}

func TestRun_NoImmediateFire(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	var calls atomic.Int32

	go Run(stopCh, time.Hour, 0, func() { calls.Add(1) })

	time.Sleep(20 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no fire before the first interval, got %d", n)
	}
}

func TestRun_ZeroIntervalDisabled(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	var calls atomic.Int32
	done := make(chan struct{})

	go func() {
		Run(stopCh, 0, 0, func() { calls.Add(1) })
		close(done)
	}()

	// A disabled loop returns immediately and never invokes fn.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected zero interval to disable the loop")
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected no invocations for a disabled loop, got %d", n)
	}
}

func TestRunCron_InvalidSpec(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)

	err := RunCron(stopCh, "not a cron", func() {})
	if err == nil {
		t.Fatalf("expected parse error for invalid spec")
	}
}

func TestRunCron_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		// Next fire is up to a minute out; stop must win immediately.
		if err := RunCron(stopCh, "* * * * *", func() {}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		close(done)
	}()

	close(stopCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected cron loop to exit after stop")
	}
}
