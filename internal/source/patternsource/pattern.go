// Package patternsource is a synthetic FrameSource: a white stripe sweeping
// up and down over black. It needs no media files or decoder and is used for
// tests and for running the camera without an asset.
package patternsource

import (
	"errors"
	"fmt"
	"io"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/mediatime"
)

// DefaultStripeHeight is the stripe thickness in rows.
const DefaultStripeHeight = 10

// Config describes the generated asset.
type Config struct {
	Width     int
	Height    int
	FrameRate int
	// LoopFrames is the number of frames before the asset is exhausted.
	LoopFrames   int
	StripeHeight int
	Pool         *camera.BufferPool
}

// Source generates BGRA frames with raw PTS i/FrameRate.
type Source struct {
	cfg      Config
	state    camera.SourceState
	location string
	idx      int
	seq      uint64
}

var _ camera.FrameSource = (*Source)(nil)

// New validates cfg and returns a closed source.
func New(cfg Config) (*Source, error) {
	if cfg.StripeHeight == 0 {
		cfg.StripeHeight = DefaultStripeHeight
	}
	switch {
	case cfg.Width <= 0 || cfg.Height <= 0:
		return nil, fmt.Errorf("patternsource: invalid size %dx%d", cfg.Width, cfg.Height)
	case cfg.FrameRate <= 0:
		return nil, fmt.Errorf("patternsource: invalid frame rate %d", cfg.FrameRate)
	case cfg.LoopFrames <= 0:
		return nil, fmt.Errorf("patternsource: invalid loop length %d", cfg.LoopFrames)
	case cfg.StripeHeight < 0 || cfg.StripeHeight > cfg.Height:
		return nil, fmt.Errorf("patternsource: stripe height %d out of range", cfg.StripeHeight)
	case cfg.Pool == nil:
		return nil, errors.New("patternsource: pool is required")
	case cfg.Pool.Size() < cfg.Width*cfg.Height*4:
		return nil, fmt.Errorf("patternsource: pool buffers of %d bytes cannot hold %dx%d BGRA", cfg.Pool.Size(), cfg.Width, cfg.Height)
	}
	return &Source{cfg: cfg}, nil
}

// Open starts the pattern from its first frame. location only labels the
// asset; it must not be empty.
func (s *Source) Open(location string) error {
	if location == "" {
		return camera.NewOpenError(location, camera.ErrAssetMissing, nil)
	}
	s.location = location
	s.state = camera.SourceOpen
	s.idx = 0
	s.seq = 0
	return nil
}

// Next draws the next frame, or returns io.EOF after LoopFrames frames.
func (s *Source) Next() (*camera.DecodedFrame, error) {
	switch s.state {
	case camera.SourceClosed:
		return nil, camera.ErrSourceClosed
	case camera.SourceExhausted:
		return nil, io.EOF
	}
	if s.idx >= s.cfg.LoopFrames {
		s.state = camera.SourceExhausted
		return nil, io.EOF
	}

	buf, err := s.cfg.Pool.Get()
	if err != nil {
		return nil, err
	}
	Draw(buf.Bytes(), s.cfg.Width, s.cfg.Height, StripeRow(s.idx, s.cfg.Height, s.cfg.StripeHeight), s.cfg.StripeHeight)

	f := &camera.DecodedFrame{
		Buffer: buf,
		PTS:    mediatime.New(int64(s.idx), int32(s.cfg.FrameRate)),
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		Seq:    s.seq,
	}
	s.idx++
	s.seq++
	return f, nil
}

// Close implements camera.FrameSource.Close.
func (s *Source) Close() error {
	s.state = camera.SourceClosed
	return nil
}

// Restart rewinds to the first frame.
func (s *Source) Restart(location string) error {
	return s.Open(location)
}

// Duration is LoopFrames/FrameRate.
func (s *Source) Duration() mediatime.Time {
	return mediatime.New(int64(s.cfg.LoopFrames), int32(s.cfg.FrameRate))
}

// State implements camera.FrameSource.State.
func (s *Source) State() camera.SourceState { return s.state }

// StripeRow is the first row of the stripe in frame idx. The stripe moves one
// stripe height per frame and reverses at the top and bottom edges.
func StripeRow(idx, height, stripe int) int {
	travel := height - stripe
	if travel <= 0 || stripe <= 0 {
		return 0
	}
	pos := (idx * stripe) % (2 * travel)
	if pos > travel {
		pos = 2*travel - pos
	}
	return pos
}

// Draw paints an opaque black BGRA frame with white rows [row, row+stripe).
func Draw(dst []byte, width, height, row, stripe int) {
	stride := width * 4
	for y := 0; y < height; y++ {
		line := dst[y*stride : (y+1)*stride]
		var v byte
		if y >= row && y < row+stripe {
			v = 0xff
		}
		for x := 0; x < stride; x += 4 {
			line[x] = v
			line[x+1] = v
			line[x+2] = v
			line[x+3] = 0xff
		}
	}
}
