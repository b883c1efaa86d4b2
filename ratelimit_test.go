package chatterbox

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestThrottle(t *testing.T) {
	th := NewThrottle(500 * time.Millisecond)
	t0 := time.Now()
	now := t0
	th.now = func() time.Time { return now }

	if !th.Allow() {
		t.Fatal("first event must pass")
	}
	now = t0.Add(200 * time.Millisecond)
	if th.Allow() {
		t.Error("event inside the window must be dropped")
	}
	now = t0.Add(500 * time.Millisecond)
	if !th.Allow() {
		t.Error("event after the window must pass")
	}
}

func TestDebouncer(t *testing.T) {
	t.Run("only the last call runs", func(t *testing.T) {
		d := NewDebouncer(20 * time.Millisecond)
		var last atomic.Int32
		var runs atomic.Int32
		for i := int32(1); i <= 5; i++ {
			n := i
			d.Call(func() {
				last.Store(n)
				runs.Add(1)
			})
		}

		waitFor(t, "debounced call", func() bool { return runs.Load() == 1 })
		time.Sleep(40 * time.Millisecond)
		if runs.Load() != 1 || last.Load() != 5 {
			t.Errorf("expected one run of the last call, got runs=%d last=%d", runs.Load(), last.Load())
		}
	})

	t.Run("stop cancels the pending call", func(t *testing.T) {
		d := NewDebouncer(20 * time.Millisecond)
		var runs atomic.Int32
		d.Call(func() { runs.Add(1) })
		d.Stop()

		time.Sleep(50 * time.Millisecond)
		if runs.Load() != 0 {
			t.Errorf("expected no run, got %d", runs.Load())
		}
	})
}
