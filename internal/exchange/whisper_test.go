package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWhisperTranscriberWithoutKey(t *testing.T) {
	w := NewWhisperTranscriber("", "", "", "", time.Second)
	assert.False(t, w.Ready())
	_, err := w.Transcribe(context.Background(), wav())
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.True(t, se.MissingCredential())
}

func TestWhisperTranscriberPostsAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hello there"}`))
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber("sk-test", srv.URL+"/v1", "", "", time.Second)
	text, err := tr.Transcribe(context.Background(), wav())
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
}

func TestWhisperTranscriberMapsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber("sk-bad", srv.URL+"/v1", "", "", time.Second)
	_, err := tr.Transcribe(context.Background(), wav())
	se, ok := AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, se.Status)
	assert.True(t, se.MissingCredential())
}
