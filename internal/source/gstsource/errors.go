package gstsource

import (
	"strings"

	"loop-vcam/internal/camera"
)

// classifyOpenError maps a GStreamer error onto an OpenError reason. go-gst
// does not expose the error domain, so the message and debug strings are
// matched instead.
func classifyOpenError(msg, debug string) error {
	combined := strings.ToLower(msg + " " + debug)
	switch {
	case containsAny(combined, noVideoKeywords):
		return camera.ErrNoVideoTrack
	case containsAny(combined, missingKeywords):
		return camera.ErrAssetMissing
	default:
		return camera.ErrDecoderAttach
	}
}

// An asset without a video stream leaves the converter branch unlinked.
var noVideoKeywords = []string{
	"not-linked",
	"not linked",
	"no video",
	"does not contain any streams",
}

var missingKeywords = []string{
	"no such file",
	"resource not found",
	"could not open file",
	"not found",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
