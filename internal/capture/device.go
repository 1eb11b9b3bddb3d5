package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone available")
	ErrClosed           = errors.New("capture engine closed")
)

// DeviceError reports a failure to acquire or use the microphone.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("capture %s: %v", e.Op, e.Err) }

func (e *DeviceError) Unwrap() error { return e.Err }

// readFailures ends a hardware track after max consecutive failed reads.
type readFailures struct {
	n, max int
}

// fail records a failed read and reports whether the track should end.
func (r *readFailures) fail() bool {
	r.n++
	return r.n >= r.max
}

func (r *readFailures) reset() { r.n = 0 }

// Track is an open microphone stream delivering PCM16LE mono frames.
type Track interface {
	Frames() <-chan []byte
	Close() error
}

// Device acquires microphone tracks. Open is where the host asks for permission.
type Device interface {
	Open(ctx context.Context) (Track, error)
}

// StreamDevice is a microphone whose frames are pushed in by a remote host, such as a
// browser page streaming over a websocket.
type StreamDevice struct {
	mu       sync.Mutex
	current  *streamTrack
	denied   bool
	detached bool
	depth    int
}

func NewStreamDevice() *StreamDevice { return &StreamDevice{depth: 64} }

func (d *StreamDevice) Open(ctx context.Context) (Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detached {
		return nil, &DeviceError{Op: "open", Err: ErrNoDevice}
	}
	if d.denied {
		return nil, &DeviceError{Op: "open", Err: ErrPermissionDenied}
	}
	if d.current != nil {
		d.current.closeLocked()
	}
	t := &streamTrack{dev: d, frames: make(chan []byte, d.depth)}
	d.current = t
	return t, nil
}

// Push delivers one frame to the open track. It reports false when no track is open or
// the track is backed up.
func (d *StreamDevice) Push(pcm []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == nil {
		return false
	}
	select {
	case d.current.frames <- pcm:
		return true
	default:
		metricChunksDropped.Inc()
		return false
	}
}

// Deny makes subsequent opens fail as if the user refused microphone access.
func (d *StreamDevice) Deny() {
	d.mu.Lock()
	d.denied = true
	d.mu.Unlock()
}

// Allow clears a previous Deny.
func (d *StreamDevice) Allow() {
	d.mu.Lock()
	d.denied = false
	d.mu.Unlock()
}

// Detach ends the open track and makes later opens fail with ErrNoDevice.
func (d *StreamDevice) Detach() {
	d.mu.Lock()
	d.detached = true
	if d.current != nil {
		d.current.closeLocked()
	}
	d.mu.Unlock()
}

type streamTrack struct {
	dev    *StreamDevice
	frames chan []byte
	closed bool
}

func (t *streamTrack) Frames() <-chan []byte { return t.frames }

func (t *streamTrack) Close() error {
	t.dev.mu.Lock()
	t.closeLocked()
	t.dev.mu.Unlock()
	return nil
}

// closeLocked must be called with dev.mu held.
func (t *streamTrack) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	close(t.frames)
	if t.dev.current == t {
		t.dev.current = nil
	}
}
