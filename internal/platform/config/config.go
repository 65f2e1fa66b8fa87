package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not parseable by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Source kinds accepted in SOURCE.
const (
	SourceGStreamer = "gstreamer"
	SourcePattern   = "pattern"
)

// PixelFormatBGRA is the only pixel format the camera emits: 4 bytes per
// pixel, B G R A in memory order.
const PixelFormatBGRA = "BGRA"

// Camera is the fixed configuration of the virtual camera. It is read once at
// startup and never renegotiated.
type Camera struct {
	Port      string
	LogLevel  string
	LogFormat string

	FrameRate   int
	Width       int
	Height      int
	PixelFormat string

	Source             string
	AssetPath          string
	PoolThreshold      int
	PatternLoopSeconds int

	V4L2Device    string
	AutoStart     bool
	JPEGQuality   int
	PreviewEnable bool
}

// LoadCamera reads the camera configuration from the environment.
func LoadCamera() Camera {
	return Camera{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		FrameRate:   GetEnvInt("FRAME_RATE", 30),
		Width:       GetEnvInt("FRAME_WIDTH", 1920),
		Height:      GetEnvInt("FRAME_HEIGHT", 1080),
		PixelFormat: strings.ToUpper(GetEnv("PIXEL_FORMAT", PixelFormatBGRA)),

		Source:             strings.ToLower(GetEnv("SOURCE", SourceGStreamer)),
		AssetPath:          GetEnv("ASSET_PATH", "assets/video.mp4"),
		PoolThreshold:      GetEnvInt("POOL_THRESHOLD", 5),
		PatternLoopSeconds: GetEnvInt("PATTERN_LOOP_SECONDS", 10),

		V4L2Device:    GetEnv("V4L2_DEVICE", ""),
		AutoStart:     GetEnvBool("AUTOSTART", false),
		JPEGQuality:   GetEnvInt("PREVIEW_JPEG_QUALITY", 75),
		PreviewEnable: GetEnvBool("PREVIEW_ENABLED", true),
	}
}

// Validate reports the first configuration value that cannot be served.
func (c Camera) Validate() error {
	switch {
	case c.FrameRate <= 0 || c.FrameRate > 240:
		return fmt.Errorf("config: FRAME_RATE %d out of range (1-240)", c.FrameRate)
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("config: invalid frame dimensions %dx%d", c.Width, c.Height)
	case c.PixelFormat != PixelFormatBGRA:
		return fmt.Errorf("config: unsupported PIXEL_FORMAT %q (only %s)", c.PixelFormat, PixelFormatBGRA)
	case c.PoolThreshold <= 0:
		return fmt.Errorf("config: POOL_THRESHOLD must be positive, got %d", c.PoolThreshold)
	case c.JPEGQuality < 1 || c.JPEGQuality > 100:
		return fmt.Errorf("config: PREVIEW_JPEG_QUALITY %d out of range (1-100)", c.JPEGQuality)
	}

	switch c.Source {
	case SourceGStreamer:
		if c.AssetPath == "" {
			return fmt.Errorf("config: ASSET_PATH is required for source %q", c.Source)
		}
	case SourcePattern:
		if c.PatternLoopSeconds <= 0 {
			return fmt.Errorf("config: PATTERN_LOOP_SECONDS must be positive, got %d", c.PatternLoopSeconds)
		}
	default:
		return fmt.Errorf("config: unknown SOURCE %q", c.Source)
	}
	return nil
}

// FrameSize is the size in bytes of one BGRA frame.
func (c Camera) FrameSize() int {
	return c.Width * c.Height * 4
}
