package chatterbox

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle admits at most one event per interval and drops the rest. It is
// used for typing notifications and activity coalescing.
type Throttle struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewThrottle returns a Throttle admitting one event per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		now:     time.Now,
	}
}

// Allow reports whether an event may pass now.
func (t *Throttle) Allow() bool {
	return t.limiter.AllowN(t.now(), 1)
}

// Debouncer runs a function once calls have stopped arriving for the
// configured delay. Only the most recent call runs.
type Debouncer struct {
	delay time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func NewDebouncer(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Call schedules fn, replacing any call still waiting.
func (d *Debouncer) Call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

// Stop cancels a pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
