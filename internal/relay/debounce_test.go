package relay

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(40*time.Millisecond, func() { calls.Add(1) })
	for i := 0; i < 10; i++ {
		d.Trigger()
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := d.Deadline(); !ok {
		t.Fatal("expected pending deadline after trigger")
	}
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if _, ok := d.Deadline(); ok {
		t.Fatal("expected idle after firing")
	}
}

func TestDebouncerSpacedTriggersFireEach(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { calls.Add(1) })
	for i := 0; i < 3; i++ {
		d.Trigger()
		time.Sleep(60 * time.Millisecond)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var calls atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { calls.Add(1) })
	d.Trigger()
	if !d.Stop() {
		t.Fatal("Stop should report a pending call")
	}
	d.Trigger()
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
	if d.Stop() {
		t.Fatal("second Stop should report nothing pending")
	}
}
