// Package recorder buffers the microphone chunks of one utterance and turns them into a
// single payload for speech-to-text.
package recorder

import (
	"context"
	"errors"
	"log"
	"sync"
)

const MIMEWAV = "audio/wav"

var ErrNotRecording = errors.New("recorder not started")

// ChunkSource hands out a feed of raw PCM16LE chunks. capture.Engine implements it.
type ChunkSource interface {
	Tap() (<-chan []byte, func())
}

// Blob is a finalized utterance payload.
type Blob struct {
	Data     []byte
	MIMEType string
}

func (b Blob) Len() int { return len(b.Data) }

type take struct {
	cancel func()
	done   chan struct{}
	chunks [][]byte
	size   int
}

// Recorder collects chunks between Start and Finalize. Only one take is active at a time.
type Recorder struct {
	sampleRate int

	mu     sync.Mutex
	active *take
}

func New(sampleRate int) *Recorder {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Recorder{sampleRate: sampleRate}
}

// Start begins a new take, discarding any take still in progress.
func (r *Recorder) Start(src ChunkSource) {
	r.Discard()

	ch, cancel := src.Tap()
	t := &take{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		for c := range ch {
			t.chunks = append(t.chunks, c)
			t.size += len(c)
		}
	}()

	r.mu.Lock()
	r.active = t
	r.mu.Unlock()
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Finalize stops the take, waits for the collector to drain every chunk already handed
// to it, and returns the audio as WAV. A take with no audio yields an empty Blob.
func (r *Recorder) Finalize(ctx context.Context) (Blob, error) {
	r.mu.Lock()
	t := r.active
	r.active = nil
	r.mu.Unlock()
	if t == nil {
		return Blob{}, ErrNotRecording
	}

	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		return Blob{}, ctx.Err()
	}

	if t.size == 0 {
		return Blob{MIMEType: MIMEWAV}, nil
	}
	pcm := make([]byte, 0, t.size)
	for _, c := range t.chunks {
		pcm = append(pcm, c...)
	}
	log.Printf("[recorder] finalized chunks=%d bytes=%d", len(t.chunks), t.size)
	return Blob{Data: WrapPCMAsWAV(pcm, r.sampleRate, 1, 16), MIMEType: MIMEWAV}, nil
}

// Discard stops the active take, if any, and drops its audio.
func (r *Recorder) Discard() {
	r.mu.Lock()
	t := r.active
	r.active = nil
	r.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}
