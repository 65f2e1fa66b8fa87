//go:build linux && (amd64 || arm64)

package v4l2sink

import (
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestFormatLayout(t *testing.T) {
	assert.Equal(t, uintptr(48), unsafe.Sizeof(v4l2PixFormat{}))
	assert.Equal(t, uintptr(208), unsafe.Sizeof(v4l2Format{}))
	assert.Equal(t, uintptr(0xC0D05605), vidiocSFmt)
}

func TestFourcc(t *testing.T) {
	assert.Equal(t, uint32(0x34325241), pixFormatBGRA)
}

func TestOpen_errors(t *testing.T) {
	_, err := Open(Config{Device: "/dev/video0", Width: 0, Height: 1})
	assert.Error(t, err)

	_, err = Open(Config{Device: filepath.Join(t.TempDir(), "video42"), Width: 2, Height: 2})
	assert.ErrorContains(t, err, "open")
}
