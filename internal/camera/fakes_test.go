package camera

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"loop-vcam/internal/mediatime"
)

// fakeSource yields frames 0..frames-1 with PTS i/fps, then io.EOF.
type fakeSource struct {
	frames int
	fps    int32
	pool   *BufferPool
	// pts overrides the raw timestamp of frame i when set.
	pts func(i int) mediatime.Time

	mu             sync.Mutex
	state          SourceState
	idx            int
	seq            uint64
	opens          int
	restarts       int
	closes         int
	openErr        error
	restartErr     error
	restartGate    chan struct{}
	restartStarted chan struct{}
}

func newFakeSource(frames int, fps int32) *fakeSource {
	return &fakeSource{frames: frames, fps: fps}
}

func (s *fakeSource) Open(location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.openErr != nil {
		return s.openErr
	}
	s.state, s.idx, s.seq = SourceOpen, 0, 0
	return nil
}

func (s *fakeSource) Next() (*DecodedFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case SourceClosed:
		return nil, ErrSourceClosed
	case SourceExhausted:
		return nil, io.EOF
	}
	if s.idx >= s.frames {
		s.state = SourceExhausted
		return nil, io.EOF
	}

	var buf *PixelBuffer
	if s.pool != nil {
		b, err := s.pool.Get()
		if err != nil {
			return nil, err
		}
		buf = b
	} else {
		buf = NewPixelBuffer(make([]byte, 4))
	}
	pts := mediatime.New(int64(s.idx), s.fps)
	if s.pts != nil {
		pts = s.pts(s.idx)
	}
	s.idx++
	s.seq++
	return &DecodedFrame{Buffer: buf, PTS: pts, Width: 1, Height: 1, Seq: s.seq}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.state = SourceClosed
	return nil
}

func (s *fakeSource) Restart(location string) error {
	s.mu.Lock()
	gate, started := s.restartGate, s.restartStarted
	s.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts++
	if s.restartErr != nil {
		s.state = SourceClosed
		return s.restartErr
	}
	s.state, s.idx = SourceOpen, 0
	return nil
}

func (s *fakeSource) Duration() mediatime.Time {
	return mediatime.New(int64(s.frames), s.fps)
}

func (s *fakeSource) State() SourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSource) counts() (opens, restarts, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.restarts, s.closes
}

type delivery struct {
	pts  mediatime.Time
	disc Discontinuity
	host uint64
	seq  uint64
}

// recordingSink keeps every delivery. Frames are released unless hold is set.
type recordingSink struct {
	hold bool

	mu     sync.Mutex
	got    []delivery
	frames []*DecodedFrame
}

func (r *recordingSink) Deliver(f *DecodedFrame, d Discontinuity, host uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, delivery{pts: f.PTS, disc: d, host: host, seq: f.Seq})
	if r.hold {
		r.frames = append(r.frames, f)
		return
	}
	f.Release()
}

func (r *recordingSink) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func (r *recordingSink) releaseHeld() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		f.Release()
	}
	r.frames = nil
}

func newTestController(t *testing.T, src FrameSource, sink Sink) (*Controller, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Unix(0, 0))
	c, err := NewController(ControllerConfig{
		Source:    src,
		Location:  "loop.mp4",
		FrameRate: 30,
		Sink:      sink,
		Clock:     clock,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, clock
}

// tickN fires n ticks.
func tickN(clock *ManualClock, n int) {
	for i := 0; i < n; i++ {
		clock.Tick()
	}
}

// waitRestartSettled blocks until no restart is in flight.
func waitRestartSettled(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !c.src.restarting.Load()
	}, 2*time.Second, time.Millisecond)
}
