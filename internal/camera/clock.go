package camera

import (
	"sync"
	"time"
)

// Clock creates the repeating timers that drive the pacer.
type Clock interface {
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

// NewTicker implements Clock.NewTicker with a time.Ticker.
func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }

func (r realTicker) Stop() { r.t.Stop() }

// acker is implemented by tickers that want to know when a tick has been
// fully handled.
type acker interface {
	ack()
}

// ManualClock is a Clock whose tickers only fire when Tick is called. Tick
// returns once every active ticker's consumer has finished handling the tick,
// which makes pacer tests step frame by frame.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManualClock returns a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// NewTicker implements Clock.NewTicker. The ticker fires only from Tick.
func (c *ManualClock) NewTicker(d time.Duration) Ticker {
	t := &manualTicker{
		period:  d,
		c:       make(chan time.Time),
		acks:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// Tick fires every active ticker once and waits for each tick to be handled.
// It reports whether any ticker was active.
func (c *ManualClock) Tick() bool {
	c.mu.Lock()
	active := c.tickers[:0]
	for _, t := range c.tickers {
		if !t.isStopped() {
			active = append(active, t)
		}
	}
	c.tickers = active
	fire := append([]*manualTicker(nil), active...)
	if len(fire) > 0 {
		c.now = c.now.Add(fire[0].period)
	}
	now := c.now
	c.mu.Unlock()

	for _, t := range fire {
		t.fire(now)
	}
	return len(fire) > 0
}

// Active counts tickers that have not been stopped.
func (c *ManualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.isStopped() {
			n++
		}
	}
	return n
}

// Now is the time carried by the most recent tick.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type manualTicker struct {
	period  time.Duration
	c       chan time.Time
	acks    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func (t *manualTicker) C() <-chan time.Time { return t.c }

func (t *manualTicker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

func (t *manualTicker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

func (t *manualTicker) fire(now time.Time) {
	select {
	case t.c <- now:
	case <-t.stopped:
		return
	}
	select {
	case <-t.acks:
	case <-t.stopped:
	}
}

func (t *manualTicker) ack() {
	select {
	case t.acks <- struct{}{}:
	default:
	}
}
