package device

import (
	"sync"

	"loop-vcam/internal/camera"
)

// fakeDevice counts stream references the way camera.Controller does.
type fakeDevice struct {
	mu       sync.Mutex
	refcount uint32
	starts   int
	cancels  int
	startErr error
}

func (d *fakeDevice) StartStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErr != nil {
		return d.startErr
	}
	d.refcount++
	return nil
}

func (d *fakeDevice) StopStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refcount > 0 {
		d.refcount--
	}
}

func (d *fakeDevice) CancelStream() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels++
	d.refcount = 0
}

func (d *fakeDevice) StreamStatus() camera.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	state := camera.StateIdle
	if d.refcount > 0 {
		state = camera.StateStreaming
	}
	return camera.Status{State: state.String(), Refcount: d.refcount}
}

func (d *fakeDevice) refs() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.refcount
}
