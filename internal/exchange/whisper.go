package exchange

import (
	"bytes"
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"voicedesk/agent/internal/recorder"
)

// WhisperTranscriber sends utterances straight to the OpenAI transcription API instead
// of the backend's transcribe route.
type WhisperTranscriber struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
	hasKey   bool
}

// NewWhisperTranscriber builds a transcriber. baseURL may be empty for the public API.
func NewWhisperTranscriber(apiKey, baseURL, model, language string, timeout time.Duration) *WhisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WhisperTranscriber{
		client:   openai.NewClientWithConfig(cfg),
		model:    model,
		language: language,
		timeout:  timeout,
		hasKey:   apiKey != "",
	}
}

func (w *WhisperTranscriber) Transcribe(ctx context.Context, blob recorder.Blob) (string, error) {
	if !w.hasKey {
		return "", &ServiceError{Op: "transcribe", Detail: "OpenAI API key not configured"}
	}
	if blob.Len() == 0 {
		return "", &ServiceError{Op: "transcribe", Err: ErrEmptyPayload}
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: "utterance" + extFor(blob.MIMEType),
		Reader:   bytes.NewReader(blob.Data),
		Language: w.language,
	})
	metricRequestMS.WithLabelValues("transcribe").Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metricErrors.WithLabelValues("transcribe").Inc()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &ServiceError{Op: "transcribe", Status: apiErr.HTTPStatusCode, Detail: apiErr.Message, Err: err}
		}
		return "", &ServiceError{Op: "transcribe", Err: err}
	}
	return resp.Text, nil
}

// Ready reports whether an API key was supplied.
func (w *WhisperTranscriber) Ready() bool { return w.hasKey }
