// Package gstsource decodes a media file into BGRA frames with a GStreamer
// pipeline ending in an appsink.
package gstsource

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/mediatime"
)

const (
	defaultPullTimeout    = 20 * time.Millisecond
	defaultPrerollTimeout = 5 * time.Second
	defaultMaxBuffers     = 2
	sinkName              = "vcamsink"
)

var initOnce sync.Once

// Config describes the decoded output.
type Config struct {
	Width  int
	Height int
	Pool   *camera.BufferPool
	Logger *slog.Logger

	// PullTimeout bounds how long Next waits for a decoded sample.
	PullTimeout time.Duration
	// PrerollTimeout bounds how long Open waits for the pipeline to preroll.
	PrerollTimeout time.Duration
	// MaxBuffers is the appsink queue depth.
	MaxBuffers int
}

// Source is a camera.FrameSource backed by filesrc ! decodebin ! appsink.
// Restart tears the pipeline down and builds a new one.
type Source struct {
	cfg Config
	log *slog.Logger

	pipeline *gst.Pipeline
	sink     *app.Sink
	duration mediatime.Time
	state    camera.SourceState
	seq      uint64
}

var _ camera.FrameSource = (*Source)(nil)

// New validates cfg and returns a closed source.
func New(cfg Config) (*Source, error) {
	switch {
	case cfg.Width <= 0 || cfg.Height <= 0:
		return nil, fmt.Errorf("gstsource: invalid size %dx%d", cfg.Width, cfg.Height)
	case cfg.Pool == nil:
		return nil, errors.New("gstsource: pool is required")
	case cfg.Pool.Size() < cfg.Width*cfg.Height*4:
		return nil, fmt.Errorf("gstsource: pool buffers of %d bytes cannot hold %dx%d BGRA", cfg.Pool.Size(), cfg.Width, cfg.Height)
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = defaultPullTimeout
	}
	if cfg.PrerollTimeout <= 0 {
		cfg.PrerollTimeout = defaultPrerollTimeout
	}
	if cfg.MaxBuffers <= 0 {
		cfg.MaxBuffers = defaultMaxBuffers
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Source{
		cfg:      cfg,
		log:      log.With("component", "gstsource"),
		duration: mediatime.Invalid,
	}, nil
}

// Open builds the decode pipeline for location and waits for it to preroll.
func (s *Source) Open(location string) error {
	s.teardown()
	if _, err := os.Stat(location); err != nil {
		return camera.NewOpenError(location, camera.ErrAssetMissing, err)
	}

	initOnce.Do(func() { gst.Init(nil) })

	launch := BuildLaunch(location, s.cfg.Width, s.cfg.Height, s.cfg.MaxBuffers)
	s.log.Debug("building pipeline", "pipeline", launch)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return camera.NewOpenError(location, camera.ErrDecoderAttach, err)
	}
	elem, err := pipeline.GetElementByName(sinkName)
	if err != nil {
		_ = pipeline.SetState(gst.StateNull)
		return camera.NewOpenError(location, camera.ErrDecoderAttach, err)
	}
	s.pipeline = pipeline
	s.sink = app.SinkFromElement(elem)

	if err := s.preroll(location); err != nil {
		s.teardown()
		return err
	}

	if ok, ns := pipeline.QueryDuration(gst.FormatTime); ok && ns > 0 {
		s.duration = mediatime.New(ns, mediatime.NanosecondTimescale)
	} else {
		s.duration = mediatime.Invalid
		s.log.Warn("asset duration unknown", "location", location)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		s.teardown()
		return camera.NewOpenError(location, camera.ErrDecoderAttach, err)
	}
	s.state = camera.SourceOpen
	s.seq = 0
	s.log.Info("asset opened", "location", location, "duration", s.duration.String())
	return nil
}

// preroll pauses the pipeline and waits until the first frame has been
// decoded or the pipeline reports an error.
func (s *Source) preroll(location string) error {
	if err := s.pipeline.SetState(gst.StatePaused); err != nil {
		return camera.NewOpenError(location, camera.ErrDecoderAttach, err)
	}
	bus := s.pipeline.GetPipelineBus()
	deadline := time.Now().Add(s.cfg.PrerollTimeout)
	for time.Now().Before(deadline) {
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageAsyncDone:
			return nil
		case gst.MessageError:
			gerr := msg.ParseError()
			reason := classifyOpenError(gerr.Error(), gerr.DebugString())
			return camera.NewOpenError(location, reason, errors.New(gerr.Error()))
		case gst.MessageEOS:
			return camera.NewOpenError(location, camera.ErrNoVideoTrack, errors.New("end of stream before first frame"))
		}
	}
	return camera.NewOpenError(location, camera.ErrDecoderAttach, fmt.Errorf("preroll timed out after %s", s.cfg.PrerollTimeout))
}

// Next pulls the next decoded sample and copies it into a pool buffer.
func (s *Source) Next() (*camera.DecodedFrame, error) {
	switch s.state {
	case camera.SourceClosed:
		return nil, camera.ErrSourceClosed
	case camera.SourceExhausted:
		return nil, io.EOF
	}

	sample := s.sink.TryPullSample(s.cfg.PullTimeout)
	if sample == nil {
		if s.sink.IsEOS() {
			s.state = camera.SourceExhausted
			return nil, io.EOF
		}
		if err := s.busError(); err != nil {
			// A decode error ends the asset; the controller restarts it.
			s.log.Warn("pipeline error, treating asset as exhausted", "error", err)
			s.state = camera.SourceExhausted
			return nil, io.EOF
		}
		return nil, camera.ErrFrameNotReady
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, camera.ErrFrameNotReady
	}
	pts := PTSFromNanos(int64(buffer.PresentationTimestamp()))

	dst, err := s.cfg.Pool.Get()
	if err != nil {
		return nil, err
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	want := s.cfg.Width * s.cfg.Height * 4
	if len(data) < want {
		buffer.Unmap()
		dst.Release()
		return nil, fmt.Errorf("gstsource: short frame, got %d bytes want %d", len(data), want)
	}
	copy(dst.Bytes(), data[:want])
	buffer.Unmap()

	f := &camera.DecodedFrame{
		Buffer: dst,
		PTS:    pts,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		Seq:    s.seq,
	}
	s.seq++
	return f, nil
}

// busError drains pending bus messages and returns the first error.
func (s *Source) busError() error {
	bus := s.pipeline.GetPipelineBus()
	for msg := bus.TimedPop(0); msg != nil; msg = bus.TimedPop(0) {
		if msg.Type() == gst.MessageError {
			gerr := msg.ParseError()
			return fmt.Errorf("%s: %s", gerr.Error(), gerr.DebugString())
		}
	}
	return nil
}

// Close implements camera.FrameSource.Close.
func (s *Source) Close() error {
	s.teardown()
	return nil
}

// Restart rebuilds the pipeline from the start of the asset.
func (s *Source) Restart(location string) error {
	s.teardown()
	return s.Open(location)
}

// Duration is the asset duration queried at open, or mediatime.Invalid when
// the source is closed or the container does not report one.
func (s *Source) Duration() mediatime.Time { return s.duration }

// State implements camera.FrameSource.State.
func (s *Source) State() camera.SourceState { return s.state }

func (s *Source) teardown() {
	if s.pipeline != nil {
		if err := s.pipeline.SetState(gst.StateNull); err != nil {
			s.log.Warn("pipeline teardown failed", "error", err)
		}
	}
	s.pipeline = nil
	s.sink = nil
	s.state = camera.SourceClosed
	s.duration = mediatime.Invalid
}

// BuildLaunch returns the gst-launch description that decodes location to
// width x height BGRA into an appsink.
func BuildLaunch(location string, width, height, maxBuffers int) string {
	return fmt.Sprintf(
		"filesrc location=%s ! decodebin ! videoconvert ! videoscale ! "+
			"video/x-raw,format=BGRA,width=%d,height=%d ! "+
			"appsink name=%s sync=false max-buffers=%d drop=false emit-signals=false",
		quote(location), width, height, sinkName, maxBuffers,
	)
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// PTSFromNanos converts a buffer timestamp to media time. GStreamer marks a
// missing timestamp with all bits set, which is negative as int64.
func PTSFromNanos(ns int64) mediatime.Time {
	if ns < 0 {
		return mediatime.Invalid
	}
	return mediatime.New(ns, mediatime.NanosecondTimescale)
}
