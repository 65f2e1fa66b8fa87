//go:build !linux

package v4l2sink

// Open always fails outside Linux.
func Open(cfg Config) (*Sink, error) {
	return nil, ErrUnsupported
}
