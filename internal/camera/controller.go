package camera

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"loop-vcam/internal/platform/metrics"
)

// State is the streaming state of a Controller.
type State int

const (
	StateIdle State = iota
	StateStreaming
)

func (s State) String() string {
	if s == StateStreaming {
		return "streaming"
	}
	return "idle"
}

// DeviceSource is the narrow capability the session layer drives: each
// consumer that attaches starts the stream once and stops it once.
type DeviceSource interface {
	StartStream() error
	StopStream()
	CancelStream()
	StreamStatus() Status
}

// ControllerConfig wires a Controller. Source, Location, FrameRate and Sink
// are required.
type ControllerConfig struct {
	Source    FrameSource
	Location  string
	FrameRate int
	Sink      Sink
	Clock     Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// OnStall is called from the restart goroutine when a loop restart fails
	// and delivery stops for the rest of the session.
	OnStall func(error)
}

// Status is a point-in-time view of a Controller.
type Status struct {
	State          string  `json:"state"`
	Refcount       uint32  `json:"refcount"`
	TimerActive    bool    `json:"timer_active"`
	Source         string  `json:"source_state"`
	FrameRate      int     `json:"frame_rate"`
	Delivered      uint64  `json:"frames_delivered"`
	Dropped        uint64  `json:"frames_dropped"`
	Wraps          uint64  `json:"loop_wraps"`
	OffsetSeconds  float64 `json:"offset_seconds"`
	LastPTSSeconds float64 `json:"last_pts_seconds"`
	Stall          string  `json:"stall_error,omitempty"`
}

// Controller reference counts streaming sessions over one FrameSource. The
// first Start opens the asset and starts the pacer; the last Stop tears both
// down. Cancel tears down regardless of the count.
type Controller struct {
	cfg   ControllerConfig
	log   *slog.Logger
	src   *guardedSource
	pacer *Pacer

	mu       sync.Mutex
	state    State
	refcount uint32
	loop     *frameLoop

	stallMu sync.Mutex
	stall   error
}

var _ DeviceSource = (*Controller)(nil)

// NewController validates cfg and returns an idle Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("camera: controller needs a frame source")
	case cfg.Sink == nil:
		return nil, errors.New("camera: controller needs a sink")
	case cfg.Location == "":
		return nil, errors.New("camera: controller needs an asset location")
	case cfg.FrameRate <= 0:
		return nil, fmt.Errorf("camera: invalid frame rate %d", cfg.FrameRate)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg: cfg,
		log: log.With("component", "controller"),
		src: newGuardedSource(cfg.Source, cfg.Location),
	}
	c.pacer = NewPacer(PacerConfig{Clock: cfg.Clock, Tick: c.tick})
	return c, nil
}

func (c *Controller) tick() {
	c.loop.tick()
}

// Start adds a reference. The first reference opens the asset, resets the
// timeline and starts pacing. If the asset cannot be opened the *OpenError
// is returned and the controller stays idle with its count unchanged.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStreaming {
		c.refcount++
		c.cfg.Metrics.SetStreamRefcount(c.refcount)
		c.log.Debug("stream reference added", "refcount", c.refcount)
		return nil
	}

	if err := c.src.open(); err != nil {
		c.log.Error("open asset failed", "location", c.cfg.Location, "error", err)
		return err
	}
	c.clearStall()

	c.loop = newFrameLoop(c.src, c.cfg.Sink, c.log, c.cfg.Metrics, c.dispatchRestart)
	if err := c.pacer.Start(c.cfg.FrameRate); err != nil {
		_ = c.src.close()
		return err
	}
	c.state = StateStreaming
	c.refcount = 1
	c.cfg.Metrics.SetStreamRefcount(c.refcount)
	c.log.Info("streaming started", "location", c.cfg.Location, "frame_rate", c.cfg.FrameRate)
	return nil
}

// Stop drops a reference. The last reference stops the pacer and closes the
// source. Stop on an idle controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refcount == 0 {
		return
	}
	c.refcount--
	c.cfg.Metrics.SetStreamRefcount(c.refcount)
	if c.refcount > 0 {
		c.log.Debug("stream reference dropped", "refcount", c.refcount)
		return
	}
	c.teardownLocked("stopped")
}

// Cancel stops streaming immediately whatever the reference count.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pacer.Stop()
	c.refcount = 0
	c.cfg.Metrics.SetStreamRefcount(0)
	if c.state == StateStreaming {
		c.teardownLocked("canceled")
	}
}

// Close cancels streaming and waits for an in-flight restart to finish.
func (c *Controller) Close() {
	c.Cancel()
	c.pacer.Wait()
}

func (c *Controller) teardownLocked(reason string) {
	c.pacer.Stop()
	if err := c.src.close(); err != nil {
		c.log.Warn("close source failed", "error", err)
	}
	c.state = StateIdle
	c.log.Info("streaming "+reason, "delivered", c.loop.snapshot().delivered)
}

// dispatchRestart runs on the tick goroutine when the source is exhausted.
// At most one restart is in flight; ticks skip until it completes.
func (c *Controller) dispatchRestart() {
	gen, ok := c.src.beginRestart()
	if !ok {
		return
	}
	c.pacer.Go(func() { c.restart(gen) })
}

func (c *Controller) restart(gen uint64) {
	skipped, err := c.src.restart(gen)
	switch {
	case skipped:
		c.log.Debug("restart skipped, session ended")
	case err != nil:
		c.cfg.Metrics.IncRestartFailures()
		err = fmt.Errorf("%w: %w", ErrRestartFailed, err)
		c.log.Error("restart failed, delivery stalled", "error", err)
		if c.reportStall(gen, err) && c.cfg.OnStall != nil {
			c.cfg.OnStall(err)
		}
	default:
		c.cfg.Metrics.IncSourceRestarts()
		c.log.Debug("source restarted")
	}
}

// reportStall records err unless a newer session has opened the source since
// the restart was dispatched.
func (c *Controller) reportStall(gen uint64, err error) bool {
	c.stallMu.Lock()
	defer c.stallMu.Unlock()
	if c.src.gen.Load() != gen {
		return false
	}
	c.stall = err
	return true
}

func (c *Controller) clearStall() {
	c.stallMu.Lock()
	c.stall = nil
	c.stallMu.Unlock()
}

// Stalled returns the restart failure that stopped delivery in the current
// or most recent session, or nil.
func (c *Controller) Stalled() error {
	c.stallMu.Lock()
	defer c.stallMu.Unlock()
	return c.stall
}

// Status reports the controller state and the statistics of the current or
// most recent session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		State:       c.state.String(),
		Refcount:    c.refcount,
		TimerActive: c.pacer.Active(),
		Source:      c.src.state().String(),
		FrameRate:   c.cfg.FrameRate,
	}
	loop := c.loop
	c.mu.Unlock()

	if loop != nil {
		s := loop.snapshot()
		st.Delivered = s.delivered
		st.Dropped = s.dropped
		st.Wraps = s.wraps
		st.OffsetSeconds = s.offset.Seconds()
		if s.lastPTS.IsNumeric() {
			st.LastPTSSeconds = s.lastPTS.Seconds()
		}
	}
	if err := c.Stalled(); err != nil {
		st.Stall = err.Error()
	}
	return st
}

// StartStream implements DeviceSource.StartStream.
func (c *Controller) StartStream() error { return c.Start() }

// StopStream implements DeviceSource.StopStream.
func (c *Controller) StopStream() { c.Stop() }

// CancelStream implements DeviceSource.CancelStream.
func (c *Controller) CancelStream() { c.Cancel() }

// StreamStatus implements DeviceSource.StreamStatus.
func (c *Controller) StreamStatus() Status { return c.Status() }
