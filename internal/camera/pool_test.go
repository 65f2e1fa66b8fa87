package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBufferPool_invalid(t *testing.T) {
	_, err := NewBufferPool(0, 1)
	assert.Error(t, err)
	_, err = NewBufferPool(16, 0)
	assert.Error(t, err)
}

func TestBufferPool_exhausts_at_threshold(t *testing.T) {
	p, err := NewBufferPool(16, 2)
	require.NoError(t, err)

	a, err := p.Get()
	require.NoError(t, err)
	b, err := p.Get()
	require.NoError(t, err)
	assert.Len(t, a.Bytes(), 16)

	_, err = p.Get()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	a.Release()
	c, err := p.Get()
	require.NoError(t, err)
	assert.Same(t, a, c, "released buffer should be recycled")

	b.Release()
	c.Release()

	st := p.Stats()
	assert.Equal(t, uint64(4), st.Gets)
	assert.Equal(t, uint64(1), st.Exhausted)
	assert.Equal(t, uint64(2), st.Allocated)
	assert.Zero(t, st.InUse)
}

func TestPixelBuffer_retain_release(t *testing.T) {
	p, err := NewBufferPool(8, 1)
	require.NoError(t, err)

	b, err := p.Get()
	require.NoError(t, err)
	b.Retain()
	b.Release()
	assert.Equal(t, 1, p.Stats().InUse, "still held by one reference")

	b.Release()
	assert.Zero(t, p.Stats().InUse)
	assert.Panics(t, b.Release)
}

func TestNewPixelBuffer_without_pool(t *testing.T) {
	b := NewPixelBuffer([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
	assert.NotPanics(t, b.Release)
}
