package camera

// Discontinuity flags accompany each delivered frame.
type Discontinuity uint32

const (
	DiscontinuityNone Discontinuity = 0
	// DiscontinuityTime marks the first frame of a streaming session. The
	// output timeline may restart there.
	DiscontinuityTime Discontinuity = 1 << 0
)

func (d Discontinuity) String() string {
	if d&DiscontinuityTime != 0 {
		return "time"
	}
	return "none"
}

// Sink receives paced frames. Deliver is fire and forget: the sink owns the
// frame afterwards and must Release it. Deliver runs on the tick goroutine
// and must not call back into the Controller.
type Sink interface {
	Deliver(frame *DecodedFrame, d Discontinuity, hostTimeNanos uint64)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame *DecodedFrame, d Discontinuity, hostTimeNanos uint64)

// Deliver calls f.
func (f SinkFunc) Deliver(frame *DecodedFrame, d Discontinuity, hostTimeNanos uint64) {
	f(frame, d, hostTimeNanos)
}

// Fanout delivers every frame to each of its sinks. Every sink receives its
// own DecodedFrame sharing one pixel buffer and releases it independently.
type Fanout []Sink

// Deliver hands every sink its own reference to the frame.
func (fo Fanout) Deliver(frame *DecodedFrame, d Discontinuity, hostTimeNanos uint64) {
	if len(fo) == 0 {
		frame.Release()
		return
	}
	if frame.Buffer != nil {
		for range fo[1:] {
			frame.Buffer.Retain()
		}
	}
	frames := make([]*DecodedFrame, len(fo))
	frames[0] = frame
	for i := 1; i < len(fo); i++ {
		cp := *frame
		frames[i] = &cp
	}
	for i, s := range fo {
		s.Deliver(frames[i], d, hostTimeNanos)
	}
}

// DiscardSink releases every frame it receives.
var DiscardSink Sink = SinkFunc(func(frame *DecodedFrame, _ Discontinuity, _ uint64) {
	frame.Release()
})
