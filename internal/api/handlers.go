package api

import (
    "context"
    "encoding/json"
    "errors"
    "log"
    "net/http"
    "time"

    "voicedesk/agent/internal/auth"
    "voicedesk/agent/internal/config"
    "voicedesk/agent/internal/health"
    "voicedesk/agent/internal/loop"
    "voicedesk/agent/internal/store"
    "voicedesk/agent/internal/turn"
)

const (
    callTimeout  = 5 * time.Second
    readyTimeout = 3 * time.Second
    maxBody      = 64 << 10
)

// Sessions is the part of the dispatcher the HTTP surface drives.
type Sessions interface {
    Create() (string, error)
    Remove(id string) error
    State(id string) (turn.State, bool)
    Start(ctx context.Context, id string) error
    End(ctx context.Context, id string) error
    SubmitText(ctx context.Context, id, text string) error
    Accept(ctx context.Context, id, msgID string) error
    Decline(ctx context.Context, id, msgID string) error
}

type Handlers struct {
    cfg      config.Config
    store    *store.Store
    sessions Sessions
    backend  health.Pinger
}

func NewHandlers(cfg config.Config, st *store.Store, s Sessions, backend health.Pinger) *Handlers {
    return &Handlers{cfg: cfg, store: st, sessions: s, backend: backend}
}

func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
    if h.cfg.Client.TokenSecret == "" {
        http.Error(w, "missing client token configuration", http.StatusBadRequest)
        return
    }
    id, err := h.sessions.Create()
    if err != nil {
        writeError(w, err)
        return
    }
    exp := time.Now().Add(time.Duration(h.cfg.Client.TokenTTLMin) * time.Minute).Unix()
    token, err := auth.GenerateClientToken(h.cfg.Client.TokenSecret, id, exp)
    if err != nil {
        _ = h.sessions.Remove(id)
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }

    writeJSON(w, http.StatusOK, map[string]any{
        "session_id": id,
        "token":      token,
        "expires_at": exp,
        "ws_path":    "/ws/session?session_id=" + id,
    })
}

func (h *Handlers) HandleDeleteSession(w http.ResponseWriter, r *http.Request, id string) {
    if err := h.sessions.Remove(id); err != nil {
        writeError(w, err)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) HandleStartSession(w http.ResponseWriter, r *http.Request, id string) {
    ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
    defer cancel()
    if err := h.sessions.Start(ctx, id); err != nil {
        writeError(w, err)
        return
    }
    h.writeState(w, id)
}

func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request, id string) {
    ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
    defer cancel()
    if err := h.sessions.End(ctx, id); err != nil {
        writeError(w, err)
        return
    }
    h.writeState(w, id)
}

func (h *Handlers) HandleSubmitText(w http.ResponseWriter, r *http.Request, id string) {
    var body struct {
        Text string `json:"text"`
    }
    if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&body); err != nil {
        http.Error(w, "invalid body", http.StatusBadRequest)
        return
    }
    ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
    defer cancel()
    if err := h.sessions.SubmitText(ctx, id, body.Text); err != nil {
        writeError(w, err)
        return
    }
    h.writeState(w, id)
}

func (h *Handlers) HandleResolveConfirm(w http.ResponseWriter, r *http.Request, id, msgID string, accept bool) {
    ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
    defer cancel()
    var err error
    if accept {
        err = h.sessions.Accept(ctx, id, msgID)
    } else {
        err = h.sessions.Decline(ctx, id, msgID)
    }
    if err != nil {
        writeError(w, err)
        return
    }
    h.writeState(w, id)
}

func (h *Handlers) HandleTranscript(w http.ResponseWriter, r *http.Request, id string) {
    sess := h.store.Get(id)
    if sess == nil {
        http.NotFound(w, r)
        return
    }
    state, _ := h.sessions.State(id)
    writeJSON(w, http.StatusOK, map[string]any{
        "session_id": id,
        "state":      state,
        "lifecycle":  sess.Lifecycle,
        "turns":      sess.Turns,
    })
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, id string) {
    sess := h.store.Get(id)
    if sess == nil {
        http.NotFound(w, r)
        return
    }
    events := h.store.ListEvents(id)
    writeJSON(w, http.StatusOK, map[string]any{
        "session_id": id,
        "events":     events,
    })
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
    ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
    defer cancel()
    st := health.CheckAll(ctx, h.cfg, h.backend)
    code := http.StatusOK
    if !st.OK {
        code = http.StatusServiceUnavailable
    }
    writeJSON(w, code, st)
}

func (h *Handlers) writeState(w http.ResponseWriter, id string) {
    state, _ := h.sessions.State(id)
    writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id, "state": state})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
    code := statusFor(err)
    if code == http.StatusInternalServerError {
        log.Printf("[api] %v", err)
    }
    writeJSON(w, code, map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
    switch {
    case errors.Is(err, loop.ErrUnknownSession), errors.Is(err, turn.ErrConfirmNotFound):
        return http.StatusNotFound
    case errors.Is(err, turn.ErrEmptyText):
        return http.StatusBadRequest
    case errors.Is(err, turn.ErrBusy), errors.Is(err, turn.ErrNoSession), errors.Is(err, turn.ErrConfirmResolved):
        return http.StatusConflict
    case errors.Is(err, context.DeadlineExceeded):
        return http.StatusGatewayTimeout
    case errors.Is(err, turn.ErrStopped), errors.Is(err, loop.ErrTooManySessions):
        return http.StatusServiceUnavailable
    default:
        return http.StatusInternalServerError
    }
}
