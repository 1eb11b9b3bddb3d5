package hostws

import (
    "context"
    "net/http"
    "net/http/httptest"
    "strings"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    ws "nhooyr.io/websocket"
    "nhooyr.io/websocket/wsjson"

    "voicedesk/agent/internal/auth"
    "voicedesk/agent/internal/config"
    "voicedesk/agent/internal/store"
)

type recorded struct {
    mu           sync.Mutex
    msgs         []Message
    audio        int
    disconnected []string
}

func (r *recorded) snapshot() ([]Message, int, []string) {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]Message(nil), r.msgs...), r.audio, append([]string(nil), r.disconnected...)
}

func newTestServer(t *testing.T, rate int) (*Server, *recorded, *httptest.Server, string) {
    t.Helper()
    var cfg config.Config
    cfg.Client.TokenSecret = "s3cret"
    cfg.Client.TokenSkewSecs = 5
    cfg.Client.MaxControlRate = rate
    st := store.New()
    _, err := st.Open("sess-1")
    require.NoError(t, err)

    s := NewServer(cfg, st, NewRegistry())
    rec := &recorded{}
    s.OnMessage = func(ctx context.Context, sessionID string, msg Message) {
        rec.mu.Lock()
        rec.msgs = append(rec.msgs, msg)
        rec.mu.Unlock()
    }
    s.OnAudio = func(sessionID string, pcm []byte) {
        rec.mu.Lock()
        rec.audio += len(pcm)
        rec.mu.Unlock()
    }
    s.OnDisconnect = func(sessionID string) {
        rec.mu.Lock()
        rec.disconnected = append(rec.disconnected, sessionID)
        rec.mu.Unlock()
    }
    srv := httptest.NewServer(http.HandlerFunc(s.HandleSessionWS))
    t.Cleanup(srv.Close)

    tok, err := auth.GenerateClientToken("s3cret", "sess-1", time.Now().Add(time.Minute).Unix())
    require.NoError(t, err)
    return s, rec, srv, tok
}

func wsURL(srv *httptest.Server, query string) string {
    return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
}

func TestHandshakeRejections(t *testing.T) {
    _, _, srv, tok := newTestServer(t, 0)

    cases := []struct {
        name   string
        query  string
        header string
        want   int
    }{
        {"missing session", "", "", http.StatusBadRequest},
        {"unknown session", "session_id=other&token=" + tok, "", http.StatusNotFound},
        {"missing token", "session_id=sess-1", "", http.StatusUnauthorized},
        {"bad token", "session_id=sess-1&token=abc", "", http.StatusUnauthorized},
        {"bad bearer", "session_id=sess-1", "Bearer nope", http.StatusUnauthorized},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            req, err := http.NewRequest(http.MethodGet, srv.URL+"/?"+tc.query, nil)
            require.NoError(t, err)
            if tc.header != "" {
                req.Header.Set("Authorization", tc.header)
            }
            resp, err := http.DefaultClient.Do(req)
            require.NoError(t, err)
            resp.Body.Close()
            assert.Equal(t, tc.want, resp.StatusCode)
        })
    }
}

func TestRoutesControlAndAudio(t *testing.T) {
    s, rec, srv, tok := newTestServer(t, 0)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()

    hdr := http.Header{}
    hdr.Set("Authorization", "Bearer "+tok)
    c, _, err := ws.Dial(ctx, wsURL(srv, "session_id=sess-1"), &ws.DialOptions{HTTPHeader: hdr})
    require.NoError(t, err)

    require.NoError(t, wsjson.Write(ctx, c, map[string]any{"type": "text", "text": "hi", "session_id": "spoofed"}))
    require.NoError(t, c.Write(ctx, ws.MessageBinary, make([]byte, 64)))
    require.NoError(t, c.Write(ctx, ws.MessageText, []byte("{not json")))

    require.Eventually(t, func() bool {
        msgs, audio, _ := rec.snapshot()
        return len(msgs) == 1 && audio == 64
    }, 2*time.Second, 5*time.Millisecond)
    msgs, _, _ := rec.snapshot()
    assert.Equal(t, "hi", msgs[0].Text)
    assert.Equal(t, "sess-1", msgs[0].SessionID)

    // server to client
    require.NoError(t, s.Reg.SendJSON(ctx, "sess-1", Out{Type: "state", State: "listening"}))
    var out map[string]any
    require.NoError(t, wsjson.Read(ctx, c, &out))
    assert.Equal(t, "listening", out["state"])

    require.NoError(t, c.Close(ws.StatusNormalClosure, ""))
    require.Eventually(t, func() bool {
        _, _, gone := rec.snapshot()
        return len(gone) == 1
    }, 2*time.Second, 5*time.Millisecond)

    var kinds []string
    for _, e := range s.Store.ListEvents("sess-1") {
        kinds = append(kinds, e.Type)
    }
    assert.Contains(t, kinds, "client_connected")
    assert.Contains(t, kinds, "client_msg_invalid")
    assert.Contains(t, kinds, "client_disconnected")
}

func TestControlRateLimit(t *testing.T) {
    s, rec, srv, tok := newTestServer(t, 2)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    c, _, err := ws.Dial(ctx, wsURL(srv, "session_id=sess-1&token="+tok), nil)
    require.NoError(t, err)
    defer c.Close(ws.StatusNormalClosure, "")

    for i := 0; i < 10; i++ {
        require.NoError(t, wsjson.Write(ctx, c, map[string]any{"type": "ui_context"}))
    }
    require.Eventually(t, func() bool {
        for _, e := range s.Store.ListEvents("sess-1") {
            if e.Type == "client_rate_limited" {
                return true
            }
        }
        return false
    }, 2*time.Second, 5*time.Millisecond)
    msgs, _, _ := rec.snapshot()
    assert.Less(t, len(msgs), 10)
}

func TestReplaceKeepsNewestConnection(t *testing.T) {
    s, rec, srv, tok := newTestServer(t, 0)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()

    first, _, err := ws.Dial(ctx, wsURL(srv, "session_id=sess-1&token="+tok), nil)
    require.NoError(t, err)
    require.Eventually(t, func() bool { return s.Reg.Get("sess-1") != nil }, time.Second, 5*time.Millisecond)
    prev := s.Reg.Get("sess-1")

    second, _, err := ws.Dial(ctx, wsURL(srv, "session_id=sess-1&token="+tok), nil)
    require.NoError(t, err)
    defer second.Close(ws.StatusNormalClosure, "")
    require.Eventually(t, func() bool {
        cur := s.Reg.Get("sess-1")
        return cur != nil && cur != prev
    }, time.Second, 5*time.Millisecond)

    _, _, err = first.Read(ctx)
    assert.Error(t, err)

    // the replaced connection leaving must not detach the session
    time.Sleep(50 * time.Millisecond)
    _, _, gone := rec.snapshot()
    assert.Empty(t, gone)
    assert.NotNil(t, s.Reg.Get("sess-1"))
}

func TestSessionSender(t *testing.T) {
    reg := NewRegistry()
    assert.ErrorIs(t, reg.Sender("x").Send(context.Background(), Out{Type: "alert"}), ErrNoConnection)
    assert.False(t, reg.Remove("x", nil))
}
