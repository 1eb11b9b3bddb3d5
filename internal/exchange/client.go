// Package exchange talks to the remote speech-to-text, reasoning and action
// confirmation services.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicedesk/agent/internal/recorder"
)

const maxDetail = 512

// Transcriber turns an utterance payload into text.
type Transcriber interface {
	Transcribe(ctx context.Context, blob recorder.Blob) (string, error)
}

// Options configures a Client. Paths are joined onto BaseURL; ConfirmPath takes the
// action name as its single %s verb.
type Options struct {
	BaseURL        string
	TranscribePath string
	ChatPath       string
	ConfirmPath    string
	HealthPath     string
	APIToken       string
	Timeout        time.Duration
}

// ConfirmResult is the confirmation service's answer. Fields holds every other key of
// the response body.
type ConfirmResult struct {
	Message string
	Fields  map[string]any
}

type Client struct {
	http *http.Client
	opts Options
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{http: &http.Client{}, opts: opts}
}

// Transcribe uploads the payload as multipart form field "file" and returns the
// recognized text.
func (c *Client) Transcribe(ctx context.Context, blob recorder.Blob) (string, error) {
	if blob.Len() == 0 {
		return "", &ServiceError{Op: "transcribe", Err: ErrEmptyPayload}
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "utterance"+extFor(blob.MIMEType))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(blob.Data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := c.do(ctx, "transcribe", http.MethodPost, c.opts.TranscribePath, mw.FormDataContentType(), &body, &parsed); err != nil {
		return "", err
	}
	return parsed.Text, nil
}

// Converse sends one user message to the reasoning service.
func (c *Client) Converse(ctx context.Context, message, sessionID string, uiContext map[string]any) (Reply, error) {
	uc, err := Normalize(uiContext)
	if err != nil {
		return nil, &ServiceError{Op: "converse", Err: fmt.Errorf("ui context: %w", err)}
	}
	req := map[string]any{
		"message":    message,
		"session_id": sessionID,
		"ui_context": uc,
	}
	var out bytes.Buffer
	if err := json.NewEncoder(&out).Encode(req); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := c.do(ctx, "converse", http.MethodPost, c.opts.ChatPath, "application/json", &out, &raw); err != nil {
		return nil, err
	}
	var w wireReply
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ServiceError{Op: "converse", Err: fmt.Errorf("decode reply: %w", err)}
	}
	var all map[string]any
	_ = json.Unmarshal(raw, &all)
	reply, err := decodeReply(w, all)
	if err != nil {
		return nil, &ServiceError{Op: "converse", Err: err}
	}
	return reply, nil
}

// ConfirmAction executes a previously proposed action. Only the explicit accept path
// may call it.
func (c *Client) ConfirmAction(ctx context.Context, actionName string, actionData map[string]any) (ConfirmResult, error) {
	data, err := Normalize(actionData)
	if err != nil {
		return ConfirmResult{}, &ServiceError{Op: "confirm", Err: fmt.Errorf("action data: %w", err)}
	}
	if data == nil {
		data = map[string]any{}
	}
	var out bytes.Buffer
	if err := json.NewEncoder(&out).Encode(data); err != nil {
		return ConfirmResult{}, err
	}
	path := fmt.Sprintf(c.opts.ConfirmPath, url.PathEscape(actionName))
	var fields map[string]any
	if err := c.do(ctx, "confirm", http.MethodPost, path, "application/json", &out, &fields); err != nil {
		return ConfirmResult{}, err
	}
	res := ConfirmResult{Fields: fields}
	if m, ok := fields["message"].(string); ok {
		res.Message = m
	}
	return res, nil
}

// Ping checks that the backend answers its health path.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "health", http.MethodGet, c.opts.HealthPath, "", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := c.roundTrip(ctx, op, method, path, contentType, body, out)
	metricRequestMS.WithLabelValues(op).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metricErrors.WithLabelValues(op).Inc()
		log.Printf("[exchange] %s failed: %v", op, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &ServiceError{Op: op, Status: resp.StatusCode, Detail: detailOf(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

// detailOf extracts a machine-readable detail from an error body: the "detail" (or
// "error") field of a JSON object, or the trimmed body text.
func detailOf(b []byte) string {
	var parsed map[string]any
	if err := json.Unmarshal(b, &parsed); err == nil {
		for _, k := range []string{"detail", "error", "message"} {
			switch v := parsed[k].(type) {
			case string:
				return v
			case nil:
			default:
				if enc, err := json.Marshal(v); err == nil {
					return truncate(string(enc))
				}
			}
		}
	}
	return truncate(strings.TrimSpace(string(b)))
}

func truncate(s string) string {
	if len(s) > maxDetail {
		return s[:maxDetail]
	}
	return s
}

func extFor(mime string) string {
	switch mime {
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	}
	return ".bin"
}
