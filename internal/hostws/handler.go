package hostws

import (
    "context"
    "encoding/json"
    "log"
    "net/http"
    "time"

    "golang.org/x/time/rate"
    "voicedesk/agent/internal/auth"
    "voicedesk/agent/internal/config"
    "voicedesk/agent/internal/store"
    "voicedesk/agent/internal/types"

    ws "nhooyr.io/websocket"
)

const maxFrameBytes = 1 << 20

// Message is a control message sent by the host page.
type Message struct {
    Type        string         `json:"type"`
    TsMs        int64          `json:"ts_ms"`
    SessionID   string         `json:"session_id"`
    Seq         int64          `json:"seq"`
    UtteranceID string         `json:"utterance_id,omitempty"`
    MessageID   string         `json:"message_id,omitempty"`
    Text        string         `json:"text,omitempty"`
    Payload     map[string]any `json:"payload,omitempty"`
}

// Out is a notification pushed to the host page.
type Out struct {
    Type      string         `json:"type"`
    TsMs      int64          `json:"ts_ms"`
    SessionID string         `json:"session_id"`
    State     string         `json:"state,omitempty"`
    Text      string         `json:"text,omitempty"`
    Error     string         `json:"error,omitempty"`
    Message   *types.Message `json:"message,omitempty"`
    Payload   map[string]any `json:"payload,omitempty"`
}

type Server struct {
    Cfg   config.Config
    Store *store.Store
    Reg   *Registry

    OnMessage    func(ctx context.Context, sessionID string, msg Message)
    OnAudio      func(sessionID string, pcm []byte)
    OnDisconnect func(sessionID string)
}

func NewServer(cfg config.Config, st *store.Store, reg *Registry) *Server {
    return &Server{Cfg: cfg, Store: st, Reg: reg}
}

func (s *Server) HandleSessionWS(w http.ResponseWriter, r *http.Request) {
    q := r.URL.Query()
    sessionID := q.Get("session_id")
    if sessionID == "" {
        http.Error(w, "missing session_id", http.StatusBadRequest)
        return
    }
    if s.Store.Get(sessionID) == nil {
        http.Error(w, "unknown session", http.StatusNotFound)
        return
    }
    token := auth.BearerToken(r.Header.Get("Authorization"))
    if token == "" {
        token = q.Get("token")
    }
    if token == "" {
        http.Error(w, "missing bearer token", http.StatusUnauthorized)
        return
    }
    if s.Cfg.Client.TokenSecret == "" {
        http.Error(w, "client auth not configured", http.StatusUnauthorized)
        return
    }
    if _, _, err := auth.ValidateClientToken(s.Cfg.Client.TokenSecret, token, sessionID, time.Now(), s.Cfg.Client.TokenSkewSecs); err != nil {
        http.Error(w, "invalid token", http.StatusUnauthorized)
        return
    }

    c, err := ws.Accept(w, r, nil)
    if err != nil {
        log.Printf("[ws] accept sid=%s: %v", sessionID, err)
        return
    }
    c.SetReadLimit(maxFrameBytes)
    if s.Reg.Replace(sessionID, c) {
        s.Store.AppendEvent(sessionID, "client_replaced", nil)
    }
    s.Store.AppendEvent(sessionID, "client_connected", nil)
    log.Printf("[ws] connected sid=%s", sessionID)

    limiter := newControlLimiter(s.Cfg.Client.MaxControlRate)
    ctx := r.Context()
    for {
        typ, data, err := c.Read(ctx)
        if err != nil {
            break
        }
        if typ == ws.MessageBinary {
            if s.OnAudio != nil {
                s.OnAudio(sessionID, data)
            }
            continue
        }
        if !limiter.Allow() {
            s.Store.AppendEvent(sessionID, "client_rate_limited", nil)
            continue
        }
        var msg Message
        if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
            detail := "missing type"
            if err != nil {
                detail = err.Error()
            }
            s.Store.AppendEvent(sessionID, "client_msg_invalid", map[string]any{"error": detail})
            continue
        }
        msg.SessionID = sessionID
        if s.OnMessage != nil {
            s.OnMessage(ctx, sessionID, msg)
        }
    }
    _ = c.Close(ws.StatusNormalClosure, "done")
    if s.Reg.Remove(sessionID, c) {
        s.Store.AppendEvent(sessionID, "client_disconnected", nil)
        log.Printf("[ws] disconnected sid=%s", sessionID)
        if s.OnDisconnect != nil {
            s.OnDisconnect(sessionID)
        }
    }
}

// newControlLimiter caps control messages per second. Audio frames are not limited.
func newControlLimiter(perSec int) *rate.Limiter {
    if perSec <= 0 {
        return rate.NewLimiter(rate.Inf, 0)
    }
    return rate.NewLimiter(rate.Limit(perSec), perSec)
}
