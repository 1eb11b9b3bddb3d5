package speech

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []any
	err  error
}

func (s *recordingSender) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, v)
	return nil
}

func (s *recordingSender) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.sent...)
}

func TestCompletionFinishOnce(t *testing.T) {
	c := NewCompletion("u1")
	assert.Nil(t, c.Err())
	assert.True(t, c.Finish(nil))
	assert.False(t, c.Finish(ErrStopped))
	<-c.Done()
	assert.NoError(t, c.Err())
}

func TestCompletionWaitHonoursContext(t *testing.T) {
	c := NewCompletion("u1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.DeadlineExceeded)
}

func TestRemoteSpeakAndDone(t *testing.T) {
	s := &recordingSender{}
	r := NewRemote(s)
	c, err := r.Speak(context.Background(), "hello", PriorityHigh)
	require.NoError(t, err)
	require.Len(t, s.sent, 1)
	cmd := s.sent[0].(SpeakCommand)
	assert.Equal(t, "speak", cmd.Type)
	assert.Equal(t, c.ID, cmd.UtteranceID)
	assert.Equal(t, "high", cmd.Priority)
	assert.Equal(t, 1, r.Pending())

	assert.True(t, r.HandleDone(c.ID))
	assert.False(t, r.HandleDone(c.ID), "a second done for the same utterance is ignored")
	require.NoError(t, c.Wait(context.Background()))
	assert.Equal(t, 0, r.Pending())
}

func TestRemoteStopResolvesPending(t *testing.T) {
	s := &recordingSender{}
	r := NewRemote(s)
	a, _ := r.Speak(context.Background(), "one", PriorityNormal)
	b, _ := r.Speak(context.Background(), "two", PriorityNormal)

	r.Stop()
	assert.ErrorIs(t, a.Wait(context.Background()), ErrStopped)
	assert.ErrorIs(t, b.Wait(context.Background()), ErrStopped)
	assert.Equal(t, StopCommand{Type: "stop_tts"}, s.sent[len(s.sent)-1])
	assert.False(t, r.HandleDone(a.ID))
}

func TestRemoteSpeakSendFailure(t *testing.T) {
	r := NewRemote(&recordingSender{err: errors.New("closed")})
	_, err := r.Speak(context.Background(), "x", PriorityNormal)
	assert.Error(t, err)
	assert.Equal(t, 0, r.Pending())
}

func TestRemotePlaybackTimeout(t *testing.T) {
	s := &recordingSender{}
	r := NewRemote(s, WithPlaybackLimit(60000, 20*time.Millisecond))
	c, err := r.Speak(context.Background(), "nobody is listening", PriorityNormal)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, c.Wait(ctx), ErrPlaybackTimeout)
	assert.Equal(t, 0, r.Pending())
	assert.False(t, r.HandleDone(c.ID), "a late done is ignored")

	sent := s.snapshot()
	require.Len(t, sent, 2)
	assert.Equal(t, StopCommand{Type: "stop_tts"}, sent[1])
}

func TestRemoteDoneDisarmsTimeout(t *testing.T) {
	s := &recordingSender{}
	r := NewRemote(s, WithPlaybackLimit(60000, 20*time.Millisecond))
	c, err := r.Speak(context.Background(), "quick", PriorityNormal)
	require.NoError(t, err)
	require.True(t, r.HandleDone(c.ID))

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.Wait(context.Background()))
	assert.Len(t, s.snapshot(), 1, "no stop_tts after a reported done")
}

func TestRemoteStopWithNothingPending(t *testing.T) {
	s := &recordingSender{}
	r := NewRemote(s)
	r.Stop()
	assert.Empty(t, s.snapshot())
}

func TestConsoleCompletesAfterEstimate(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(&out, 60000)
	comp, err := c.Speak(context.Background(), "two words", PriorityNormal)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, comp.Wait(ctx))
	assert.Equal(t, "assistant> two words\n", out.String())
}

func TestConsoleStop(t *testing.T) {
	c := NewConsole(&bytes.Buffer{}, 1)
	comp, err := c.Speak(context.Background(), "a long sentence", PriorityNormal)
	require.NoError(t, err)
	c.Stop()
	assert.ErrorIs(t, comp.Wait(context.Background()), ErrStopped)
	c.Stop()
}
