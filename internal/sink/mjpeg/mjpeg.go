// Package mjpeg serves paced frames as a motion-JPEG HTTP preview.
//
// A Broadcaster is a camera.Sink. It keeps at most one frame waiting for its
// encoder goroutine and drops the rest, so a slow preview never holds pixel
// buffers the camera needs. Encoded frames fan out to subscribers through
// one-slot channels that always keep the newest frame.
package mjpeg

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"sync/atomic"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/platform/metrics"
)

const DefaultQuality = 75

// Config describes the frames the broadcaster receives.
type Config struct {
	Width   int
	Height  int
	Quality int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Broadcaster struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	pending chan *camera.DecodedFrame
	quit    chan struct{}
	done    chan struct{}

	mu     sync.Mutex
	subs   map[int]chan []byte
	nextID int
	closed bool

	encoded atomic.Uint64
	dropped atomic.Uint64
}

var _ camera.Sink = (*Broadcaster)(nil)

// New starts the encoder goroutine. Close stops it.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("mjpeg: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Quality == 0 {
		cfg.Quality = DefaultQuality
	}
	if cfg.Quality < 1 || cfg.Quality > 100 {
		return nil, fmt.Errorf("mjpeg: quality %d out of range", cfg.Quality)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	b := &Broadcaster{
		cfg:     cfg,
		log:     log.With("component", "mjpeg"),
		metrics: cfg.Metrics,
		pending: make(chan *camera.DecodedFrame, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]chan []byte),
	}
	go b.run()
	return b, nil
}

// Deliver queues the frame for encoding, or releases it when nobody is
// watching or the encoder is still busy with the previous frame.
func (b *Broadcaster) Deliver(frame *camera.DecodedFrame, _ camera.Discontinuity, _ uint64) {
	// The send happens under mu so Close cannot drain pending in between.
	b.mu.Lock()
	if b.closed || len(b.subs) == 0 {
		b.mu.Unlock()
		frame.Release()
		return
	}
	select {
	case b.pending <- frame:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		frame.Release()
		b.dropped.Add(1)
		b.metrics.IncFramesDropped(metrics.DropSinkBusy)
	}
}

func (b *Broadcaster) run() {
	defer close(b.done)
	img := image.NewRGBA(image.Rect(0, 0, b.cfg.Width, b.cfg.Height))
	var buf bytes.Buffer
	for {
		select {
		case <-b.quit:
			b.drain()
			return
		case f := <-b.pending:
			err := b.encode(&buf, img, f)
			f.Release()
			if err != nil {
				b.log.Warn("jpeg encode failed", "error", err)
				continue
			}
			b.encoded.Add(1)
			b.broadcast(bytes.Clone(buf.Bytes()))
		}
	}
}

func (b *Broadcaster) drain() {
	for {
		select {
		case f := <-b.pending:
			f.Release()
		default:
			return
		}
	}
}

func (b *Broadcaster) encode(buf *bytes.Buffer, img *image.RGBA, f *camera.DecodedFrame) error {
	if f.Buffer == nil {
		return fmt.Errorf("frame %d has no pixel buffer", f.Seq)
	}
	if err := BGRAToRGBA(img, f.Buffer.Bytes()); err != nil {
		return err
	}
	buf.Reset()
	return jpeg.Encode(buf, img, &jpeg.Options{Quality: b.cfg.Quality})
}

func (b *Broadcaster) broadcast(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- frame:
			continue
		default:
		}
		// Replace the stale frame the subscriber has not read yet.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

// Subscribe returns a channel of encoded JPEG frames and a function that
// ends the subscription. The channel is closed when either the subscription
// or the broadcaster ends.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers counts active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Encoded counts frames encoded so far.
func (b *Broadcaster) Encoded() uint64 { return b.encoded.Load() }

// Close stops the encoder and ends every subscription.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	close(b.quit)
	<-b.done
	return nil
}

// ServeHTTP streams the preview until the client goes away or the
// broadcaster closes.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frames, cancel := b.Subscribe()
	defer cancel()
	if err := WriteStream(r.Context(), w, frames); err != nil && r.Context().Err() == nil {
		b.log.Debug("preview stream ended", "error", err)
	}
}

// WriteStream writes frames as a multipart/x-mixed-replace response. It
// returns nil when frames is closed and ctx.Err() when ctx ends first.
func WriteStream(ctx context.Context, w http.ResponseWriter, frames <-chan []byte) error {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return mw.Close()
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return err
			}
			if _, err := part.Write(frame); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// BGRAToRGBA copies a BGRA frame into dst, which must match its size.
func BGRAToRGBA(dst *image.RGBA, src []byte) error {
	if len(src) < len(dst.Pix) {
		return fmt.Errorf("mjpeg: frame of %d bytes is smaller than %d", len(src), len(dst.Pix))
	}
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		dst.Pix[i] = src[i+2]
		dst.Pix[i+1] = src[i+1]
		dst.Pix[i+2] = src[i]
		dst.Pix[i+3] = src[i+3]
	}
	return nil
}
