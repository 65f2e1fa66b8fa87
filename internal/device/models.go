package device

import (
	"time"

	"loop-vcam/internal/camera"
)

// ConsumerID uniquely identifies an attached consumer.
type ConsumerID string

// Consumer is one client holding the virtual camera open. Every attached
// consumer accounts for exactly one stream reference.
type Consumer struct {
	ID   ConsumerID `json:"id"`
	Name string     `json:"name"`
	// Ephemeral consumers live only as long as the request that created them
	// (the MJPEG preview).
	Ephemeral  bool      `json:"ephemeral,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}

// AttachRequest is the optional body of POST /consumers.
type AttachRequest struct {
	Name string `json:"name"`
}

// Status is the JSON body of GET /device.
type Status struct {
	Stream    camera.Status `json:"stream"`
	Consumers int           `json:"consumers"`
}
