package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWheelFiresAfterDelay(t *testing.T) {
	w := New(5*time.Millisecond, 32)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	done := make(chan struct{})
	w.Schedule(20*time.Millisecond, func() {
		fired.Store(true)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if !fired.Load() {
		t.Fatal("fired flag not set")
	}
}

func TestWheelCancelPreventsFire(t *testing.T) {
	w := New(5*time.Millisecond, 32)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	h := w.Schedule(50*time.Millisecond, func() { fired.Store(true) })
	if !h.Cancel() {
		t.Fatal("expected Cancel to win the race")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("callback ran after cancellation")
	}
}

func TestWheelCancelAfterFireLoses(t *testing.T) {
	w := New(2*time.Millisecond, 8)
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	h := w.Schedule(4*time.Millisecond, func() { close(done) })
	<-done
	if h.Cancel() {
		t.Fatal("Cancel should report false once the timer already fired")
	}
}

func TestWheelManyTimersO1(t *testing.T) {
	w := New(time.Millisecond, 64)
	w.Start()
	defer w.Stop()

	const n = 5000
	var count atomic.Int64
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		w.Schedule(10*time.Millisecond, func() {
			if count.Add(1) == n {
				close(done)
			}
		})
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d/%d timers fired", count.Load(), n)
	}
}
