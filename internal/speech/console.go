package speech

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Console prints text instead of playing it and completes after the time a speaker
// would need to say it.
type Console struct {
	out            io.Writer
	wordsPerMinute int

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending pending
}

func NewConsole(out io.Writer, wordsPerMinute int) *Console {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 180
	}
	return &Console{out: out, wordsPerMinute: wordsPerMinute, timers: make(map[string]*time.Timer)}
}

func (c *Console) Speak(ctx context.Context, text string, p Priority) (*Completion, error) {
	comp := NewCompletion(uuid.NewString())
	if _, err := fmt.Fprintf(c.out, "assistant> %s\n", text); err != nil {
		return nil, err
	}
	c.pending.add(comp)
	d := c.duration(text)
	c.mu.Lock()
	c.timers[comp.ID] = time.AfterFunc(d, func() {
		c.mu.Lock()
		delete(c.timers, comp.ID)
		c.mu.Unlock()
		if done := c.pending.take(comp.ID); done != nil {
			done.Finish(nil)
		}
	})
	c.mu.Unlock()
	return comp, nil
}

func (c *Console) duration(text string) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return time.Duration(words) * time.Minute / time.Duration(c.wordsPerMinute)
}

func (c *Console) Stop() {
	c.mu.Lock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()
	for _, comp := range c.pending.drain() {
		comp.Finish(ErrStopped)
	}
}
