//go:build linux

package v4l2sink

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	bufTypeVideoOutput = 2 // V4L2_BUF_TYPE_VIDEO_OUTPUT
	fieldNone          = 1 // V4L2_FIELD_NONE
	colorspaceSRGB     = 8 // V4L2_COLORSPACE_SRGB
)

// pixFormatBGRA is V4L2_PIX_FMT_ABGR32 ('AR24'): B, G, R, A in memory.
var pixFormatBGRA = fourcc('A', 'R', '2', '4')

// v4l2PixFormat mirrors struct v4l2_pix_format.
type v4l2PixFormat struct {
	width        uint32
	height       uint32
	pixelformat  uint32
	field        uint32
	bytesperline uint32
	sizeimage    uint32
	colorspace   uint32
	priv         uint32
	flags        uint32
	ycbcrEnc     uint32
	quantization uint32
	xferFunc     uint32
}

// v4l2Format mirrors struct v4l2_format on 64-bit kernels, where the 200 byte
// format union is 8-byte aligned.
type v4l2Format struct {
	typ uint32
	_   [4]byte
	pix v4l2PixFormat
	_   [200 - unsafe.Sizeof(v4l2PixFormat{})]byte
}

var vidiocSFmt = iowr('V', 5, unsafe.Sizeof(v4l2Format{}))

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// iowr encodes an _IOWR ioctl request number.
func iowr(typ byte, nr uintptr, size uintptr) uintptr {
	const (
		dirRead  = 2
		dirWrite = 1
	)
	return (dirRead|dirWrite)<<30 | size<<16 | uintptr(typ)<<8 | nr
}

type fdWriter struct{ fd int }

func (w fdWriter) Write(p []byte) (int, error) { return unix.Write(w.fd, p) }

func (w fdWriter) Close() error { return unix.Close(w.fd) }

// Open opens the loopback device and sets its output format to
// width x height BGRA.
func Open(cfg Config) (*Sink, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("v4l2sink: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2sink: open %s: %w", cfg.Device, err)
	}
	if err := setFormat(fd, cfg.Width, cfg.Height); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("v4l2sink: set format on %s: %w", cfg.Device, err)
	}
	s := newSink(fdWriter{fd: fd}, cfg)
	s.log.Info("device ready", "width", cfg.Width, "height", cfg.Height, "format", "AR24")
	return s, nil
}

func setFormat(fd, width, height int) error {
	f := v4l2Format{
		typ: bufTypeVideoOutput,
		pix: v4l2PixFormat{
			width:        uint32(width),
			height:       uint32(height),
			pixelformat:  pixFormatBGRA,
			field:        fieldNone,
			bytesperline: uint32(width * 4),
			sizeimage:    uint32(width * height * 4),
			colorspace:   colorspaceSRGB,
		},
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vidiocSFmt, uintptr(unsafe.Pointer(&f)))
	if errno != 0 {
		return errno
	}
	return nil
}
