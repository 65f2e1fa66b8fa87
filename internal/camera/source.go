package camera

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"loop-vcam/internal/mediatime"
)

// DecodedFrame is one decoded picture. Ownership passes to the Sink on
// delivery; the core does not touch it afterwards.
type DecodedFrame struct {
	Buffer *PixelBuffer
	// PTS is the raw presentation timestamp from the source's own timeline.
	// A PTS without the valid flag makes the frame undeliverable.
	PTS    mediatime.Time
	Width  int
	Height int
	// Seq counts frames produced since the source was last opened.
	Seq uint64
}

// Release returns the pixel buffer reference held by the frame.
func (f *DecodedFrame) Release() {
	if f != nil && f.Buffer != nil {
		f.Buffer.Release()
	}
}

// SourceState is the lifecycle state of a FrameSource.
type SourceState int

const (
	SourceClosed SourceState = iota
	SourceOpen
	SourceExhausted
)

func (s SourceState) String() string {
	switch s {
	case SourceOpen:
		return "open"
	case SourceExhausted:
		return "exhausted"
	default:
		return "closed"
	}
}

// FrameSource produces decoded frames from a finite media asset.
//
// Next returns io.EOF once the video track is exhausted and keeps doing so
// until the source is restarted; it never restarts itself. Next on a closed
// source returns ErrSourceClosed. Implementations are not safe for
// concurrent use.
type FrameSource interface {
	Open(location string) error
	Next() (*DecodedFrame, error)
	Close() error
	Restart(location string) error
	// Duration is the duration of the currently open asset.
	Duration() mediatime.Time
	State() SourceState
}

var (
	// ErrSourceClosed is returned by Next on a source that is not open.
	ErrSourceClosed = errors.New("camera: frame source closed")
	// ErrFrameNotReady means the decoder had no frame ready within its pull
	// budget; the tick is skipped.
	ErrFrameNotReady = errors.New("camera: no frame ready")

	// ErrAssetMissing is the OpenError reason for a location that does not exist.
	ErrAssetMissing = errors.New("asset missing")
	// ErrNoVideoTrack is the OpenError reason for an asset without video.
	ErrNoVideoTrack = errors.New("no video track")
	// ErrDecoderAttach is the OpenError reason for a decoder that could not
	// be attached or prerolled.
	ErrDecoderAttach = errors.New("decoder attach failed")

	// ErrRestartFailed wraps the OpenError of a loop restart that could not
	// reopen the source.
	ErrRestartFailed = errors.New("camera: frame source restart failed")
)

// OpenError reports why a FrameSource could not be opened. Reason is one of
// ErrAssetMissing, ErrNoVideoTrack or ErrDecoderAttach.
type OpenError struct {
	Location string
	Reason   error
	Err      error
}

// NewOpenError builds an OpenError.
func NewOpenError(location string, reason, err error) *OpenError {
	return &OpenError{Location: location, Reason: reason, Err: err}
}

func (e *OpenError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "open %q", e.Location)
	if e.Reason != nil {
		b.WriteString(": ")
		b.WriteString(e.Reason.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the reason sentinel and the underlying cause to errors.Is.
func (e *OpenError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// errRestartPending is returned to the tick goroutine while the restart
// goroutine owns the source.
var errRestartPending = errors.New("camera: source restart in flight")

// guardedSource serializes a FrameSource between the tick goroutine, the
// restart goroutine and controller teardown. The tick path never blocks on
// it: while a restart holds the lock, ticks are skipped.
type guardedSource struct {
	mu       sync.Mutex
	src      FrameSource
	location string
	live     bool

	// gen changes on every open and close so a restart dispatched in one
	// session cannot act on the next.
	gen        atomic.Uint64
	restarting atomic.Bool

	// cur mirrors src.State() as of the last locked operation.
	cur atomic.Int32
}

func newGuardedSource(src FrameSource, location string) *guardedSource {
	return &guardedSource{src: src, location: location}
}

func (g *guardedSource) open() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen.Add(1)
	if err := g.src.Open(g.location); err != nil {
		g.live = false
		_ = g.src.Close()
		g.publishLocked()
		return err
	}
	g.live = true
	g.publishLocked()
	return nil
}

func (g *guardedSource) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen.Add(1)
	g.live = false
	err := g.src.Close()
	g.publishLocked()
	return err
}

// state never waits on the source lock, so it stays cheap while a restart
// holds the source.
func (g *guardedSource) state() SourceState {
	return SourceState(g.cur.Load())
}

func (g *guardedSource) publishLocked() {
	g.cur.Store(int32(g.src.State()))
}

// next pulls one frame along with the duration of the asset it came from.
func (g *guardedSource) next() (*DecodedFrame, mediatime.Time, error) {
	if g.restarting.Load() || !g.mu.TryLock() {
		return nil, mediatime.Invalid, errRestartPending
	}
	defer g.mu.Unlock()
	if !g.live {
		return nil, mediatime.Invalid, ErrSourceClosed
	}
	f, err := g.src.Next()
	if err != nil {
		g.publishLocked()
	}
	return f, g.src.Duration(), err
}

// beginRestart claims the single restart slot. It reports false when a
// restart is already in flight.
func (g *guardedSource) beginRestart() (uint64, bool) {
	if !g.restarting.CompareAndSwap(false, true) {
		return 0, false
	}
	return g.gen.Load(), true
}

// restart reopens the source if it still belongs to generation gen. skipped
// is true when the session that requested the restart has ended.
func (g *guardedSource) restart(gen uint64) (skipped bool, err error) {
	defer g.restarting.Store(false)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen.Load() != gen || !g.live {
		return true, nil
	}
	defer g.publishLocked()
	if err := g.src.Restart(g.location); err != nil {
		g.live = false
		_ = g.src.Close()
		return false, err
	}
	return false, nil
}
