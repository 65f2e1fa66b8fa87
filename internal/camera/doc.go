// Package camera is the frame-pacing and timestamp-continuity engine of the
// virtual camera.
//
// A Controller owns one FrameSource and one Pacer. While at least one
// consumer has called Start, the Pacer fires every 1/frameRate seconds on a
// single goroutine, pulls the next decoded frame, rewrites its presentation
// timestamp through a Tracker and hands it to the Sink. When the source runs
// dry the source is restarted on a separate goroutine and the Tracker folds
// the asset duration into its offset, so the output timeline keeps rising
// across loop boundaries:
//
//	Controller.Start -> FrameSource.Open -> Pacer tick -> FrameSource.Next
//	    frame: Tracker.Advance -> Sink.Deliver
//	    io.EOF: restart goroutine -> FrameSource.Restart
//
// Pixel buffers come from a bounded BufferPool; when it is empty frames are
// dropped instead of allocating more memory.
package camera
