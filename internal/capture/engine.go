// Package capture acquires a microphone stream and reports its loudness once per
// analysis frame.
package capture

import (
	"context"
	"errors"
	"log"
	"sync"
)

const (
	DefaultWindow = 2048
	tapDepth      = 256
)

// Engine wires a microphone track into a time-domain analysis window and fans the raw
// chunks out to recorders.
type Engine struct {
	device Device
	window int
	label  string
	debug  bool

	mu        sync.Mutex
	track     Track
	cancel    context.CancelFunc
	done      chan struct{}
	buf       []float64
	pos       int
	filled    int
	scratch   []float64
	suspended bool
	taps      map[int]chan []byte
	nextTap   int
	lost      error
}

// NewEngine creates an engine over device. label tags log lines (usually the session id).
func NewEngine(device Device, window int, label string, debug bool) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		device: device,
		window: window,
		label:  label,
		debug:  debug,
		buf:    make([]float64, window),
		taps:   make(map[int]chan []byte),
	}
}

// Open acquires the microphone. Opening an already open engine is a no-op.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	if e.track != nil {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	track, err := e.device.Open(ctx)
	if err != nil {
		var de *DeviceError
		if errors.As(err, &de) {
			return err
		}
		return &DeviceError{Op: "open", Err: err}
	}

	pctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	e.track = track
	e.cancel = cancel
	e.done = done
	e.suspended = false
	e.pos, e.filled = 0, 0
	e.lost = nil
	e.mu.Unlock()

	go e.pump(pctx, track, done)
	log.Printf("[capture] opened sid=%s window=%d", e.label, e.window)
	return nil
}

func (e *Engine) pump(ctx context.Context, track Track, done chan struct{}) {
	defer close(done)
	frames := track.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				e.trackEnded(track, done)
				return
			}
			e.ingest(f)
		}
	}
}

// trackEnded releases a track that stopped delivering frames on its own. A track
// closed through Close is not reported.
func (e *Engine) trackEnded(track Track, done chan struct{}) {
	e.mu.Lock()
	if e.done != done {
		e.mu.Unlock()
		return
	}
	cancel := e.cancel
	e.track, e.cancel, e.done = nil, nil, nil
	for id, ch := range e.taps {
		delete(e.taps, id)
		close(ch)
	}
	e.filled = 0
	e.suspended = false
	e.lost = &DeviceError{Op: "read", Err: ErrNoDevice}
	e.mu.Unlock()

	cancel()
	metricTracksLost.Inc()
	log.Printf("[capture] track ended sid=%s", e.label)
	if err := track.Close(); err != nil {
		log.Printf("[capture] close ended track sid=%s: %v", e.label, err)
	}
}

func (e *Engine) ingest(pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	metricFrames.Inc()
	if e.suspended {
		return
	}
	e.scratch = decodePCM16(e.scratch[:0], pcm)
	for _, x := range e.scratch {
		e.buf[e.pos] = x
		e.pos = (e.pos + 1) % e.window
		if e.filled < e.window {
			e.filled++
		}
	}
	for _, ch := range e.taps {
		chunk := make([]byte, len(pcm))
		copy(chunk, pcm)
		select {
		case ch <- chunk:
		default:
			metricChunksDropped.Inc()
		}
	}
}

// Sample returns the RMS loudness of the current analysis window, 0 when the engine is
// closed, suspended or has not received audio yet.
func (e *Engine) Sample() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.track == nil || e.suspended || e.filled == 0 {
		return 0
	}
	level := RMS(e.buf[:e.filled], 0)
	if e.debug {
		log.Printf("[capture] sample sid=%s rms=%.4f", e.label, level)
	}
	return level
}

// Suspend pauses analysis and chunk forwarding without releasing the device.
func (e *Engine) Suspend() {
	e.mu.Lock()
	e.suspended = true
	e.filled = 0
	e.mu.Unlock()
}

// Resume undoes Suspend.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.suspended = false
	e.mu.Unlock()
}

// Err reports why the last opened track went away, or nil. Open clears it.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lost
}

func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track != nil
}

func (e *Engine) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Tap subscribes to raw PCM chunks. The channel closes when the returned cancel func is
// called or the engine is closed.
func (e *Engine) Tap() (<-chan []byte, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan []byte, tapDepth)
	if e.track == nil {
		close(ch)
		return ch, func() {}
	}
	id := e.nextTap
	e.nextTap++
	e.taps[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			if c, ok := e.taps[id]; ok {
				delete(e.taps, id)
				close(c)
			}
			e.mu.Unlock()
		})
	}
}

// Close releases the device track. It is idempotent and safe in any state.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.track == nil {
		e.mu.Unlock()
		return nil
	}
	track, cancel, done := e.track, e.cancel, e.done
	e.track, e.cancel, e.done = nil, nil, nil
	for id, ch := range e.taps {
		delete(e.taps, id)
		close(ch)
	}
	e.filled = 0
	e.suspended = false
	e.mu.Unlock()

	cancel()
	err := track.Close()
	<-done
	log.Printf("[capture] closed sid=%s", e.label)
	return err
}
