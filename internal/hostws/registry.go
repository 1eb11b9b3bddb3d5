package hostws

import (
    "context"
    "encoding/json"
    "errors"
    "sync"

    ws "nhooyr.io/websocket"
)

// ErrNoConnection is returned when a session has no host connection to write to.
var ErrNoConnection = errors.New("no host connection")

// Registry keeps at most one host connection per session.
type Registry struct {
    mu    sync.Mutex
    conns map[string]*ws.Conn
}

func NewRegistry() *Registry { return &Registry{conns: make(map[string]*ws.Conn)} }

// Replace sets the connection for a session and closes the previous one if present.
// The old connection is closed outside the lock.
func (r *Registry) Replace(sessionID string, c *ws.Conn) (prevClosed bool) {
    r.mu.Lock()
    old, ok := r.conns[sessionID]
    r.conns[sessionID] = c
    r.mu.Unlock()
    if ok && old != nil && old != c {
        go old.Close(ws.StatusPolicyViolation, "replaced")
        prevClosed = true
    }
    return
}

func (r *Registry) Get(sessionID string) *ws.Conn {
    r.mu.Lock(); defer r.mu.Unlock()
    return r.conns[sessionID]
}

// Remove drops the session's connection if it is still c. A nil c removes
// unconditionally.
func (r *Registry) Remove(sessionID string, c *ws.Conn) bool {
    r.mu.Lock(); defer r.mu.Unlock()
    cur, ok := r.conns[sessionID]
    if !ok || (c != nil && cur != c) {
        return false
    }
    delete(r.conns, sessionID)
    return true
}

// SendJSON writes v to the session's connection.
func (r *Registry) SendJSON(ctx context.Context, sessionID string, v any) error {
    r.mu.Lock()
    c := r.conns[sessionID]
    r.mu.Unlock()
    if c == nil {
        return ErrNoConnection
    }
    b, err := json.Marshal(v)
    if err != nil {
        return err
    }
    return c.Write(ctx, ws.MessageText, b)
}

// Sender binds the registry to one session so it can drive a remote synthesizer.
func (r *Registry) Sender(sessionID string) SessionSender {
    return SessionSender{reg: r, sessionID: sessionID}
}

type SessionSender struct {
    reg       *Registry
    sessionID string
}

func (s SessionSender) Send(ctx context.Context, v any) error {
    return s.reg.SendJSON(ctx, s.sessionID, v)
}
