// Package v4l2sink writes paced BGRA frames to a v4l2loopback output device
// so other applications can open it as a webcam.
package v4l2sink

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/platform/metrics"
)

// ErrUnsupported is returned by Open on platforms without V4L2.
var ErrUnsupported = errors.New("v4l2sink: not supported on this platform")

// Config describes the device and the frames it carries.
type Config struct {
	Device  string
	Width   int
	Height  int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Sink is a camera.Sink writing whole frames to a V4L2 output device.
type Sink struct {
	log       *slog.Logger
	metrics   *metrics.Metrics
	frameSize int

	mu     sync.Mutex
	dev    frameWriter
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
}

var _ camera.Sink = (*Sink)(nil)

type frameWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

func newSink(dev frameWriter, cfg Config) *Sink {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log:       log.With("component", "v4l2sink", "device", cfg.Device),
		metrics:   cfg.Metrics,
		frameSize: cfg.Width * cfg.Height * 4,
		dev:       dev,
	}
}

// Deliver writes the frame and releases it. Write failures drop the frame.
func (s *Sink) Deliver(frame *camera.DecodedFrame, _ camera.Discontinuity, _ uint64) {
	defer frame.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || frame.Buffer == nil {
		return
	}
	data := frame.Buffer.Bytes()
	if len(data) > s.frameSize {
		data = data[:s.frameSize]
	}
	if _, err := s.dev.Write(data); err != nil {
		if s.failed.Add(1) == 1 {
			s.log.Warn("frame write failed", "error", err)
		}
		s.metrics.IncFramesDropped(metrics.DropSinkBusy)
		return
	}
	s.written.Add(1)
}

// Written counts frames written to the device.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Close releases the device. Later deliveries are discarded and later
// calls return nil.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.dev.Close()
}
