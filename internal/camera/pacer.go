package camera

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"loop-vcam/internal/mediatime"
	"loop-vcam/internal/platform/metrics"
)

// PacerConfig configures a Pacer.
type PacerConfig struct {
	// Clock supplies the repeating timer. Nil means RealClock.
	Clock Clock
	// Tick is called once per period on the pacer goroutine.
	Tick func()
}

// Pacer calls a tick function at a fixed rate on a single goroutine. It also
// tracks background tasks spawned from ticks so they can be awaited.
type Pacer struct {
	clock Clock
	tick  func()

	mu     sync.Mutex
	ticker Ticker
	quit   chan struct{}
	done   chan struct{}

	tasks sync.WaitGroup
}

// NewPacer returns a stopped pacer.
func NewPacer(cfg PacerConfig) *Pacer {
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}
	return &Pacer{clock: clock, tick: cfg.Tick}
}

// Start begins ticking every 1/frameRate seconds. The first tick fires
// immediately. A running timer is stopped first.
func (p *Pacer) Start(frameRate int) error {
	if frameRate <= 0 {
		return fmt.Errorf("camera: invalid frame rate %d", frameRate)
	}
	if p.tick == nil {
		return errors.New("camera: pacer has no tick function")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	t := p.clock.NewTicker(time.Second / time.Duration(frameRate))
	quit := make(chan struct{})
	done := make(chan struct{})
	p.ticker, p.quit, p.done = t, quit, done
	go p.run(t, quit, done)
	return nil
}

func (p *Pacer) run(t Ticker, quit, done chan struct{}) {
	defer close(done)
	p.tick()
	a, _ := t.(acker)
	for {
		select {
		case <-quit:
			return
		case <-t.C():
			// A stop may race with a pending tick; quit wins.
			select {
			case <-quit:
				return
			default:
			}
			p.tick()
			if a != nil {
				a.ack()
			}
		}
	}
}

// Stop cancels the timer and waits for an in-flight tick to finish. No tick
// fires after Stop returns. Stopping a stopped pacer is a no-op.
func (p *Pacer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Pacer) stopLocked() {
	if p.ticker == nil {
		return
	}
	close(p.quit)
	p.ticker.Stop()
	<-p.done
	p.ticker, p.quit, p.done = nil, nil, nil
}

// Active reports whether the timer is running.
func (p *Pacer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticker != nil
}

// Go runs fn on its own goroutine. Wait blocks until it returns.
func (p *Pacer) Go(fn func()) {
	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		fn()
	}()
}

// Wait blocks until every task started with Go has returned.
func (p *Pacer) Wait() {
	p.tasks.Wait()
}

// loopStats is the snapshot a frameLoop publishes after every tick.
type loopStats struct {
	delivered uint64
	dropped   uint64
	wraps     uint64
	offset    mediatime.Time
	lastPTS   mediatime.Time
}

// frameLoop is the per-session tick body: pull, retime, deliver.
type frameLoop struct {
	src         *guardedSource
	sink        Sink
	tracker     *Tracker
	log         *slog.Logger
	metrics     *metrics.Metrics
	onExhausted func()

	started   bool
	delivered uint64
	dropped   uint64
	stats     atomic.Pointer[loopStats]
}

func newFrameLoop(src *guardedSource, sink Sink, log *slog.Logger, m *metrics.Metrics, onExhausted func()) *frameLoop {
	l := &frameLoop{
		src:         src,
		sink:        sink,
		tracker:     NewTracker(),
		log:         log,
		metrics:     m,
		onExhausted: onExhausted,
	}
	l.publish(mediatime.Invalid)
	return l
}

func (l *frameLoop) tick() {
	frame, duration, err := l.src.next()
	switch {
	case err == nil && frame != nil:
	case err == nil:
		l.drop(metrics.DropNotReady)
		return
	case errors.Is(err, io.EOF):
		l.onExhausted()
		return
	case errors.Is(err, errRestartPending), errors.Is(err, ErrSourceClosed):
		return
	case errors.Is(err, ErrPoolExhausted):
		l.drop(metrics.DropPoolExhausted)
		return
	case errors.Is(err, ErrFrameNotReady):
		l.drop(metrics.DropNotReady)
		return
	default:
		l.log.Debug("frame decode failed", "error", err)
		l.drop(metrics.DropDecodeError)
		return
	}

	wraps := l.tracker.Wraps()
	adjusted, ok := l.tracker.Advance(frame.PTS, duration)
	if !ok {
		frame.Release()
		l.drop(metrics.DropInvalidPTS)
		return
	}
	if l.tracker.Wraps() != wraps {
		l.metrics.IncLoopWraps()
		l.log.Info("asset looped",
			"wraps", l.tracker.Wraps(),
			"offset", l.tracker.Offset().String(),
			"duration", duration.String(),
		)
	}

	d := DiscontinuityNone
	if !l.started {
		d = DiscontinuityTime
		l.started = true
	}
	frame.PTS = adjusted
	l.sink.Deliver(frame, d, HostTimeNanos(adjusted))

	l.delivered++
	l.metrics.IncFramesDelivered()
	l.metrics.SetOutputPTS(adjusted.Seconds())
	l.publish(adjusted)
}

func (l *frameLoop) drop(reason string) {
	l.dropped++
	l.metrics.IncFramesDropped(reason)
	last := mediatime.Invalid
	if s := l.stats.Load(); s != nil {
		last = s.lastPTS
	}
	l.publish(last)
}

func (l *frameLoop) publish(lastPTS mediatime.Time) {
	l.stats.Store(&loopStats{
		delivered: l.delivered,
		dropped:   l.dropped,
		wraps:     l.tracker.Wraps(),
		offset:    l.tracker.Offset(),
		lastPTS:   lastPTS,
	})
}

func (l *frameLoop) snapshot() loopStats {
	return *l.stats.Load()
}
