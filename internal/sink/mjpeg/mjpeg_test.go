package mjpeg

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loop-vcam/internal/camera"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func bgraFrame(t *testing.T, pool *camera.BufferPool, b, g, r byte) *camera.DecodedFrame {
	t.Helper()
	buf, err := pool.Get()
	require.NoError(t, err)
	px := buf.Bytes()
	for i := 0; i < len(px); i += 4 {
		px[i], px[i+1], px[i+2], px[i+3] = b, g, r, 0xff
	}
	return &camera.DecodedFrame{Buffer: buf, Width: 16, Height: 16}
}

func newTestBroadcaster(t *testing.T) (*Broadcaster, *camera.BufferPool) {
	t.Helper()
	pool, err := camera.NewBufferPool(16*16*4, 4)
	require.NoError(t, err)
	b, err := New(Config{Width: 16, Height: 16, Quality: 90})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b, pool
}

func TestNew_validates(t *testing.T) {
	_, err := New(Config{Width: 0, Height: 1})
	assert.Error(t, err)
	_, err = New(Config{Width: 1, Height: 1, Quality: 101})
	assert.Error(t, err)
}

func TestBroadcaster_no_subscribers_releases(t *testing.T) {
	b, pool := newTestBroadcaster(t)
	b.Deliver(bgraFrame(t, pool, 0, 0, 0), camera.DiscontinuityNone, 0)
	assert.Zero(t, pool.Stats().InUse)
	assert.Zero(t, b.Encoded())
}

func TestBroadcaster_encodes_for_subscribers(t *testing.T) {
	b, pool := newTestBroadcaster(t)
	frames, cancel := b.Subscribe()
	defer cancel()
	assert.Equal(t, 1, b.Subscribers())

	// Pure red in BGRA order.
	b.Deliver(bgraFrame(t, pool, 0, 0, 0xff), camera.DiscontinuityTime, 0)

	var data []byte
	select {
	case data = <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("no frame encoded")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
	r, g, bl, _ := img.At(8, 8).RGBA()
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))
	assert.Less(t, bl>>8, uint32(60))

	require.Eventually(t, func() bool { return pool.Stats().InUse == 0 }, time.Second, time.Millisecond)
}

func TestBroadcaster_unsubscribe_and_close(t *testing.T) {
	b, _ := newTestBroadcaster(t)
	frames, cancel := b.Subscribe()
	cancel()
	cancel()
	_, ok := <-frames
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers())

	other, _ := b.Subscribe()
	require.NoError(t, b.Close())
	_, ok = <-other
	assert.False(t, ok, "close ends subscriptions")
	require.NoError(t, b.Close())

	late, _ := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}

func TestBroadcaster_Deliver_racing_Close_releases(t *testing.T) {
	for i := 0; i < 50; i++ {
		pool, err := camera.NewBufferPool(16*16*4, 8)
		require.NoError(t, err)
		b, err := New(Config{Width: 16, Height: 16})
		require.NoError(t, err)
		_, cancel := b.Subscribe()

		frames := make([]*camera.DecodedFrame, 8)
		for j := range frames {
			frames[j] = bgraFrame(t, pool, 0, 0, 0)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, f := range frames {
				b.Deliver(f, camera.DiscontinuityNone, 0)
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Close()
		}()
		wg.Wait()
		cancel()

		require.Zero(t, pool.Stats().InUse, "iteration %d leaked a pixel buffer", i)
	}
}

func TestWriteStream(t *testing.T) {
	frames := make(chan []byte, 2)
	frames <- []byte("one")
	frames <- []byte("two")
	close(frames)

	rec := httptest.NewRecorder()
	require.NoError(t, WriteStream(context.Background(), rec, frames))

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	mr := multipart.NewReader(rec.Body, params["boundary"])
	var parts []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", p.Header.Get("Content-Type"))
		body, err := io.ReadAll(p)
		require.NoError(t, err)
		parts = append(parts, string(body))
	}
	assert.Equal(t, []string{"one", "two"}, parts)
}

func TestWriteStream_context_cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WriteStream(ctx, httptest.NewRecorder(), make(chan []byte))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroadcaster_ServeHTTP(t *testing.T) {
	b, pool := newTestBroadcaster(t)
	srv := httptest.NewServer(b)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, time.Second, time.Millisecond)
	b.Deliver(bgraFrame(t, pool, 10, 20, 30), camera.DiscontinuityNone, 0)

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	_, err = jpeg.Decode(part)
	assert.NoError(t, err)
}

func TestBGRAToRGBA(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	require.NoError(t, BGRAToRGBA(img, []byte{1, 2, 3, 4}))
	assert.Equal(t, []uint8{3, 2, 1, 4}, img.Pix)
	assert.Error(t, BGRAToRGBA(img, []byte{1}))
}
