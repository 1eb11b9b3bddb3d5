// Package speech defines the synthesizer contract and its implementations.
package speech

import (
	"context"
	"errors"
	"sync"
)

var ErrStopped = errors.New("speech stopped")

type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// Synthesizer plays text aloud. Speak returns as soon as playback is queued; the
// Completion resolves when it ends. Stop aborts every pending utterance.
type Synthesizer interface {
	Speak(ctx context.Context, text string, p Priority) (*Completion, error)
	Stop()
}

// Completion resolves once per utterance, with nil on natural end or ErrStopped when
// playback was aborted. Later resolutions are ignored.
type Completion struct {
	ID string

	once sync.Once
	done chan struct{}
	err  error
}

func NewCompletion(id string) *Completion {
	return &Completion{ID: id, done: make(chan struct{})}
}

func (c *Completion) Done() <-chan struct{} { return c.done }

// Err is only meaningful after Done is closed.
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Finish resolves the completion. It reports whether this call was the one that did.
func (c *Completion) Finish(err error) bool {
	first := false
	c.once.Do(func() {
		c.err = err
		close(c.done)
		first = true
	})
	return first
}

// Wait blocks until the completion resolves or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pending tracks the unresolved completions of one synthesizer.
type pending struct {
	mu sync.Mutex
	m  map[string]*Completion
}

func (p *pending) add(c *Completion) {
	p.mu.Lock()
	if p.m == nil {
		p.m = make(map[string]*Completion)
	}
	p.m[c.ID] = c
	p.mu.Unlock()
}

func (p *pending) take(id string) *Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.m[id]
	delete(p.m, id)
	return c
}

func (p *pending) drain() []*Completion {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Completion, 0, len(p.m))
	for id, c := range p.m {
		out = append(out, c)
		delete(p.m, id)
	}
	return out
}

func (p *pending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
