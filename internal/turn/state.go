package turn

import (
	"context"
	"errors"

	"voicedesk/agent/internal/exchange"
	"voicedesk/agent/internal/recorder"
)

type State string

const (
	Idle       State = "idle"
	Listening  State = "listening"
	Processing State = "processing"
	Speaking   State = "speaking"
)

var (
	ErrBusy            = errors.New("controller busy")
	ErrNoSession       = errors.New("no open session")
	ErrEmptyText       = errors.New("empty text")
	ErrConfirmNotFound = errors.New("confirmation not found")
	ErrConfirmResolved = errors.New("confirmation already resolved")
	ErrStopped         = errors.New("controller stopped")
)

const (
	msgMissingCredential = "Voice recognition is not configured. Ask an administrator to set the speech-to-text API key."
	msgMicUnavailable    = "Microphone unavailable. Check that a microphone is connected and that access is allowed."
)

// Capture is the slice of capture.Engine the controller drives.
type Capture interface {
	Open(ctx context.Context) error
	Sample() float64
	Suspend()
	Resume()
	Close() error
	Tap() (<-chan []byte, func())
	// Err reports a track that ended on its own since the last Open.
	Err() error
}

// Recorder is the slice of recorder.Recorder the controller drives.
type Recorder interface {
	Start(src recorder.ChunkSource)
	Finalize(ctx context.Context) (recorder.Blob, error)
	Discard()
}

// Exchange is the reasoning and confirmation side of the remote services.
type Exchange interface {
	Converse(ctx context.Context, message, sessionID string, uiContext map[string]any) (exchange.Reply, error)
	ConfirmAction(ctx context.Context, actionName string, actionData map[string]any) (exchange.ConfirmResult, error)
}

// events delivered to the loop by async work. seq is the controller sequence at the
// time the work started; results whose seq no longer matches are dropped.
type finalizedEvent struct {
	seq  uint64
	blob recorder.Blob
	err  error
}

type transcribedEvent struct {
	seq  uint64
	text string
	err  error
}

type repliedEvent struct {
	seq   uint64
	reply exchange.Reply
	err   error
}

type confirmedEvent struct {
	seq    uint64
	msgID  string
	result exchange.ConfirmResult
	err    error
}

type spokenEvent struct {
	seq   uint64
	msgID string
	err   error
}

type resumeEvent struct {
	seq uint64
}
