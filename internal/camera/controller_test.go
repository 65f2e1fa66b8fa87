package camera

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loop-vcam/internal/mediatime"
)

func TestNewController_validates(t *testing.T) {
	src := newFakeSource(1, 30)
	tests := map[string]ControllerConfig{
		"no source":     {Location: "a", FrameRate: 30, Sink: DiscardSink},
		"no sink":       {Source: src, Location: "a", FrameRate: 30},
		"no location":   {Source: src, FrameRate: 30, Sink: DiscardSink},
		"no frame rate": {Source: src, Location: "a", Sink: DiscardSink},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewController(cfg)
			assert.Error(t, err)
		})
	}
}

func TestController_refcount(t *testing.T) {
	src := newFakeSource(100, 30)
	c, clock := newTestController(t, src, &recordingSink{})

	c.Stop()
	assert.Equal(t, uint32(0), c.Status().Refcount, "extra stop at zero is a no-op")

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	st := c.Status()
	assert.Equal(t, "streaming", st.State)
	assert.Equal(t, uint32(2), st.Refcount)
	assert.True(t, st.TimerActive)

	opens, _, _ := src.counts()
	assert.Equal(t, 1, opens, "second start only adds a reference")

	c.Stop()
	st = c.Status()
	assert.Equal(t, "streaming", st.State)
	assert.Equal(t, uint32(1), st.Refcount)
	assert.Equal(t, 1, clock.Active())

	c.Stop()
	st = c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Zero(t, st.Refcount)
	assert.False(t, st.TimerActive)
	assert.Equal(t, "closed", st.Source)
	assert.Zero(t, clock.Active())

	c.Stop()
	assert.Zero(t, c.Status().Refcount)
}

func TestController_cancel_is_unconditional(t *testing.T) {
	sink := &recordingSink{}
	c, clock := newTestController(t, newFakeSource(100, 30), sink)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Start())
	}
	clock.Tick()
	c.Cancel()

	st := c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Zero(t, st.Refcount)
	assert.False(t, clock.Tick(), "timer must be inert after cancel")

	n := len(sink.deliveries())
	tickN(clock, 5)
	assert.Len(t, sink.deliveries(), n)

	c.Cancel()
	c.Stop()
	assert.Zero(t, c.Status().Refcount)
}

func TestController_open_failure_stays_idle(t *testing.T) {
	src := newFakeSource(10, 30)
	src.openErr = NewOpenError("loop.mp4", ErrAssetMissing, errors.New("no such file"))
	c, clock := newTestController(t, src, &recordingSink{})

	err := c.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssetMissing)
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "loop.mp4", oe.Location)

	st := c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Zero(t, st.Refcount)
	assert.Zero(t, clock.Active())

	src.mu.Lock()
	src.openErr = nil
	src.mu.Unlock()
	require.NoError(t, c.Start())
	assert.Equal(t, uint32(1), c.Status().Refcount)
}

func TestController_loops_with_continuous_timeline(t *testing.T) {
	src := newFakeSource(300, 30)
	sink := &recordingSink{}
	c, clock := newTestController(t, src, sink)

	require.NoError(t, c.Start())
	tickN(clock, 299)
	require.Len(t, sink.deliveries(), 300)

	// Exhausted: this tick dispatches the restart and delivers nothing.
	clock.Tick()
	waitRestartSettled(t, c)
	require.Len(t, sink.deliveries(), 300)

	tickN(clock, 30)
	got := sink.deliveries()
	require.Len(t, got, 330)

	assert.InDelta(t, 9.9667, got[299].pts.Seconds(), 0.0001)
	assert.InDelta(t, 10.0, got[300].pts.Seconds(), 1e-9)
	for i := 1; i < len(got); i++ {
		require.True(t, got[i-1].pts.Less(got[i].pts), "output went backwards at %d", i)
		require.Greater(t, got[i].host, got[i-1].host)
	}

	_, restarts, _ := src.counts()
	assert.Equal(t, 1, restarts)

	st := c.Status()
	assert.Equal(t, uint64(1), st.Wraps)
	assert.InDelta(t, 10.0, st.OffsetSeconds, 1e-9)
	assert.Equal(t, uint64(330), st.Delivered)
	assert.InDelta(t, 10.9667, st.LastPTSSeconds, 0.0001)

	// Second pass: the offset grows by exactly one more asset duration.
	tickN(clock, 270)
	require.Len(t, sink.deliveries(), 600)
	clock.Tick()
	waitRestartSettled(t, c)
	tickN(clock, 2)

	got = sink.deliveries()
	require.Len(t, got, 602)
	assert.InDelta(t, 19.9667, got[599].pts.Seconds(), 0.0001)
	assert.InDelta(t, 20.0, got[600].pts.Seconds(), 1e-9)
	for i := 300; i < len(got); i++ {
		require.True(t, got[i-1].pts.Less(got[i].pts), "output went backwards at %d", i)
	}

	_, restarts, _ = src.counts()
	assert.Equal(t, 2, restarts)
	st = c.Status()
	assert.Equal(t, uint64(2), st.Wraps)
	assert.InDelta(t, 20.0, st.OffsetSeconds, 1e-9)
}

func TestController_discontinuity_per_session(t *testing.T) {
	sink := &recordingSink{}
	c, clock := newTestController(t, newFakeSource(100, 30), sink)

	require.NoError(t, c.Start())
	clock.Tick()
	c.Stop()
	require.NoError(t, c.Start())
	clock.Tick()

	got := sink.deliveries()
	require.Len(t, got, 4)
	assert.Equal(t, DiscontinuityTime, got[0].disc)
	assert.Equal(t, DiscontinuityNone, got[1].disc)
	assert.Equal(t, DiscontinuityTime, got[2].disc)
	assert.Equal(t, 0, mediatime.Compare(got[2].pts, mediatime.New(0, 30)), "a new session may reset the timeline")
}

func TestController_invalid_pts_is_dropped(t *testing.T) {
	pool, err := NewBufferPool(4, 4)
	require.NoError(t, err)
	src := newFakeSource(100, 30)
	src.pool = pool
	src.pts = func(i int) mediatime.Time {
		if i == 1 {
			return mediatime.Invalid
		}
		return mediatime.New(int64(i), 30)
	}
	sink := &recordingSink{}
	c, clock := newTestController(t, src, sink)

	require.NoError(t, c.Start())
	tickN(clock, 2)

	got := sink.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[1].seq)
	assert.InDelta(t, 2.0/30, got[1].pts.Seconds(), 1e-9)

	st := c.Status()
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Zero(t, st.Wraps)
	assert.Zero(t, pool.Stats().InUse, "dropped frame buffer must be released")
}

func TestController_pool_exhaustion_drops_frames(t *testing.T) {
	pool, err := NewBufferPool(4, 2)
	require.NoError(t, err)
	src := newFakeSource(100, 30)
	src.pool = pool
	sink := &recordingSink{hold: true}
	c, clock := newTestController(t, src, sink)

	require.NoError(t, c.Start())
	tickN(clock, 2)
	require.Len(t, sink.deliveries(), 2)
	assert.Equal(t, uint64(1), c.Status().Dropped)
	assert.Equal(t, uint64(1), pool.Stats().Exhausted)

	sink.releaseHeld()
	clock.Tick()
	assert.Len(t, sink.deliveries(), 3)
	sink.releaseHeld()
}

func TestController_restart_failure_stalls(t *testing.T) {
	src := newFakeSource(2, 30)
	src.restartErr = NewOpenError("loop.mp4", ErrDecoderAttach, errors.New("boom"))
	stalled := make(chan error, 1)
	sink := &recordingSink{}
	clock := NewManualClock(time.Unix(0, 0))
	c, err := NewController(ControllerConfig{
		Source:    src,
		Location:  "loop.mp4",
		FrameRate: 30,
		Sink:      sink,
		Clock:     clock,
		OnStall:   func(err error) { stalled <- err },
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Start())
	tickN(clock, 2)

	var got error
	select {
	case got = <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("stall not reported")
	}
	assert.ErrorIs(t, got, ErrRestartFailed)
	assert.ErrorIs(t, got, ErrDecoderAttach)
	assert.ErrorIs(t, c.Stalled(), ErrRestartFailed)

	waitRestartSettled(t, c)
	tickN(clock, 5)
	assert.Len(t, sink.deliveries(), 2, "no delivery after a failed restart")

	st := c.Status()
	assert.Equal(t, "streaming", st.State)
	assert.NotEmpty(t, st.Stall)

	_, restarts, _ := src.counts()
	assert.Equal(t, 1, restarts, "no automatic retry")

	// A fresh session clears the stall.
	c.Stop()
	src.mu.Lock()
	src.restartErr = nil
	src.mu.Unlock()
	require.NoError(t, c.Start())
	assert.NoError(t, c.Stalled())
}

func TestController_cancel_waits_for_inflight_restart(t *testing.T) {
	src := newFakeSource(1, 30)
	src.restartGate = make(chan struct{})
	src.restartStarted = make(chan struct{})
	c, clock := newTestController(t, src, &recordingSink{})

	require.NoError(t, c.Start())
	clock.Tick()
	<-src.restartStarted

	// Ticks are skipped while the restart owns the source.
	tickN(clock, 3)

	canceled := make(chan struct{})
	go func() {
		c.Cancel()
		close(canceled)
	}()
	close(src.restartGate)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return")
	}
	waitRestartSettled(t, c)

	st := c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, "closed", st.Source)
	assert.Zero(t, clock.Active())
	assert.NoError(t, c.Stalled())
}

func TestController_status_and_cancel_during_restart(t *testing.T) {
	src := newFakeSource(1, 30)
	src.restartGate = make(chan struct{})
	src.restartStarted = make(chan struct{})
	c, clock := newTestController(t, src, &recordingSink{})
	release := sync.OnceFunc(func() { close(src.restartGate) })
	t.Cleanup(release)

	require.NoError(t, c.Start())
	clock.Tick()
	<-src.restartStarted

	status := make(chan Status, 1)
	go func() { status <- c.Status() }()
	select {
	case st := <-status:
		assert.Equal(t, "exhausted", st.Source)
		assert.True(t, st.TimerActive)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the restart")
	}

	canceled := make(chan struct{})
	go func() {
		c.Cancel()
		close(canceled)
	}()
	require.Eventually(t, func() bool { return clock.Active() == 0 }, time.Second, time.Millisecond,
		"timer must be inert while the restart still holds the source")

	release()
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not return")
	}
	assert.Equal(t, "idle", c.Status().State)
}

func TestController_concurrent_start_stop(t *testing.T) {
	c, clock := newTestController(t, newFakeSource(1000, 30), &recordingSink{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if assert.NoError(t, c.Start()) {
				c.Status()
				c.Stop()
			}
		}()
	}
	wg.Wait()

	st := c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Zero(t, st.Refcount)
	assert.Zero(t, clock.Active())
}

func TestController_implements_device_source(t *testing.T) {
	var ds DeviceSource
	c, _ := newTestController(t, newFakeSource(10, 30), DiscardSink)
	ds = c

	require.NoError(t, ds.StartStream())
	assert.Equal(t, uint32(1), ds.StreamStatus().Refcount)
	ds.StopStream()
	require.NoError(t, ds.StartStream())
	ds.CancelStream()
	assert.Equal(t, "idle", ds.StreamStatus().State)
}
