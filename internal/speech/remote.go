package speech

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpeakCommand asks the connected client to synthesize text and report back with the
// same utterance id.
type SpeakCommand struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	Text        string `json:"text"`
	Priority    string `json:"priority"`
}

type StopCommand struct {
	Type string `json:"type"`
}

// ErrPlaybackTimeout resolves an utterance the client never reported as finished.
var ErrPlaybackTimeout = errors.New("speech playback timed out")

const (
	DefaultPlaybackWPM   = 120
	DefaultPlaybackGrace = 5 * time.Second
)

// Sender delivers a JSON command to the client.
type Sender interface {
	Send(ctx context.Context, v any) error
}

// Remote delegates synthesis to the connected client (for example a browser using its
// own speech engine) and resolves completions when the client reports tts_done. An
// utterance that is not reported within its playback limit resolves with
// ErrPlaybackTimeout.
type Remote struct {
	sender  Sender
	wpm     int
	grace   time.Duration
	pending pending

	mu     sync.Mutex
	timers map[string]*time.Timer
}

type RemoteOption func(*Remote)

// WithPlaybackLimit sets the slowest speaking rate the client is allowed and the fixed
// allowance added on top of it.
func WithPlaybackLimit(wordsPerMinute int, grace time.Duration) RemoteOption {
	return func(r *Remote) {
		if wordsPerMinute > 0 {
			r.wpm = wordsPerMinute
		}
		if grace >= 0 {
			r.grace = grace
		}
	}
}

func NewRemote(sender Sender, opts ...RemoteOption) *Remote {
	r := &Remote{
		sender: sender,
		wpm:    DefaultPlaybackWPM,
		grace:  DefaultPlaybackGrace,
		timers: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Remote) Speak(ctx context.Context, text string, p Priority) (*Completion, error) {
	c := NewCompletion(uuid.NewString())
	r.pending.add(c)
	err := r.sender.Send(ctx, SpeakCommand{Type: "speak", UtteranceID: c.ID, Text: text, Priority: p.String()})
	if err != nil {
		r.pending.take(c.ID)
		return nil, err
	}
	r.mu.Lock()
	r.timers[c.ID] = time.AfterFunc(r.limit(text), func() { r.expire(c.ID) })
	r.mu.Unlock()
	return c, nil
}

func (r *Remote) limit(text string) time.Duration {
	words := len(strings.Fields(text))
	return r.grace + time.Duration(words)*time.Minute/time.Duration(r.wpm)
}

func (r *Remote) expire(id string) {
	r.mu.Lock()
	delete(r.timers, id)
	r.mu.Unlock()
	c := r.pending.take(id)
	if c == nil {
		return
	}
	log.Printf("[speech] utterance=%s not reported done, giving up", id)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = r.sender.Send(ctx, StopCommand{Type: "stop_tts"})
	c.Finish(ErrPlaybackTimeout)
}

func (r *Remote) stopTimer(id string) {
	r.mu.Lock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
}

// HandleDone resolves the utterance the client finished playing. Unknown or already
// resolved ids return false.
func (r *Remote) HandleDone(utteranceID string) bool {
	c := r.pending.take(utteranceID)
	if c == nil {
		return false
	}
	r.stopTimer(utteranceID)
	return c.Finish(nil)
}

// Stop tells the client to stop playback and resolves every pending utterance with
// ErrStopped. Nothing is sent when no utterance is pending.
func (r *Remote) Stop() {
	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()
	drained := r.pending.drain()
	if len(drained) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sender.Send(ctx, StopCommand{Type: "stop_tts"}); err != nil {
		log.Printf("[speech] stop_tts send err: %v", err)
	}
	for _, c := range drained {
		c.Finish(ErrStopped)
	}
}

// Pending is the number of unresolved utterances.
func (r *Remote) Pending() int { return r.pending.len() }
