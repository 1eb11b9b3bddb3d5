// Package loop routes host connections to the per-session turn controllers.
package loop

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "github.com/google/uuid"
    "golang.org/x/sync/semaphore"
    "voicedesk/agent/internal/capture"
    "voicedesk/agent/internal/exchange"
    "voicedesk/agent/internal/hostws"
    "voicedesk/agent/internal/recorder"
    "voicedesk/agent/internal/speech"
    "voicedesk/agent/internal/store"
    "voicedesk/agent/internal/turn"
    "voicedesk/agent/internal/types"
)

var (
    ErrUnknownSession  = errors.New("unknown session")
    ErrTooManySessions = errors.New("too many sessions")
)

const (
    defaultSendTimeout = 2 * time.Second
    defaultMaxSessions = 64
    callTimeout        = 5 * time.Second
)

// Services are the remote collaborators shared by every session.
type Services struct {
    Transcriber exchange.Transcriber
    Exchange    turn.Exchange
}

type Settings struct {
    Turn        turn.Options
    SampleRate  int
    Window      int
    Debug       bool
    SendTimeout time.Duration
    MaxSessions int
}

type Dispatcher struct {
    ctx   context.Context
    reg   *hostws.Registry
    store *store.Store
    svc   Services
    set   Settings

    slots    *semaphore.Weighted
    mu       sync.Mutex
    sessions map[string]*sessState
    wg       sync.WaitGroup
}

type sessState struct {
    ctl    *turn.Controller
    device *capture.StreamDevice
    synth  *speech.Remote
    cancel context.CancelFunc
}

// New creates a dispatcher. Controllers it starts stop when ctx ends.
func New(ctx context.Context, reg *hostws.Registry, st *store.Store, svc Services, set Settings) *Dispatcher {
    if set.SendTimeout <= 0 {
        set.SendTimeout = defaultSendTimeout
    }
    if set.MaxSessions <= 0 {
        set.MaxSessions = defaultMaxSessions
    }
    return &Dispatcher{
        ctx:      ctx,
        reg:      reg,
        store:    st,
        svc:      svc,
        set:      set,
        slots:    semaphore.NewWeighted(int64(set.MaxSessions)),
        sessions: make(map[string]*sessState),
    }
}

// Create registers a new session and starts its controller. The session is open for
// transcript reads right away; listening begins when the host sends start.
func (d *Dispatcher) Create() (string, error) {
    if !d.slots.TryAcquire(1) {
        return "", ErrTooManySessions
    }
    id := uuid.New().String()
    if _, err := d.store.Open(id); err != nil {
        d.slots.Release(1)
        return "", err
    }

    device := capture.NewStreamDevice()
    synth := speech.NewRemote(d.reg.Sender(id))
    ctl := turn.New(id, turn.Deps{
        Capture:     capture.NewEngine(device, d.set.Window, id, d.set.Debug),
        Recorder:    recorder.New(d.set.SampleRate),
        Transcriber: d.svc.Transcriber,
        Exchange:    d.svc.Exchange,
        Synth:       synth,
        Store:       d.store,
    }, d.set.Turn, d.hooks(id))

    rctx, cancel := context.WithCancel(d.ctx)
    s := &sessState{ctl: ctl, device: device, synth: synth, cancel: cancel}
    d.mu.Lock()
    d.sessions[id] = s
    d.mu.Unlock()

    d.wg.Add(1)
    go func() {
        defer d.wg.Done()
        defer d.slots.Release(1)
        _ = ctl.Run(rctx)
    }()
    d.store.AppendEvent(id, "session_created", nil)
    log.Printf("[loop] session created sid=%s", id)
    return id, nil
}

func (d *Dispatcher) state(sessionID string) (*sessState, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    s := d.sessions[sessionID]
    if s == nil {
        return nil, ErrUnknownSession
    }
    return s, nil
}

// Remove stops the session's controller and forgets it.
func (d *Dispatcher) Remove(sessionID string) error {
    d.mu.Lock()
    s := d.sessions[sessionID]
    delete(d.sessions, sessionID)
    d.mu.Unlock()
    if s == nil {
        return ErrUnknownSession
    }
    s.cancel()
    <-s.ctl.Done()
    d.store.Forget(sessionID)
    return nil
}

// Shutdown stops every controller and waits for them to release their resources.
func (d *Dispatcher) Shutdown() {
    d.mu.Lock()
    for _, s := range d.sessions {
        s.cancel()
    }
    d.mu.Unlock()
    d.wg.Wait()
}

func (d *Dispatcher) Start(ctx context.Context, sessionID string) error {
    s, err := d.state(sessionID)
    if err != nil {
        return err
    }
    s.device.Allow()
    return s.ctl.StartSession(ctx)
}

func (d *Dispatcher) End(ctx context.Context, sessionID string) error {
    s, err := d.state(sessionID)
    if err != nil {
        return err
    }
    return s.ctl.EndSession(ctx)
}

func (d *Dispatcher) SubmitText(ctx context.Context, sessionID, text string) error {
    s, err := d.state(sessionID)
    if err != nil {
        return err
    }
    return s.ctl.SubmitText(ctx, text)
}

func (d *Dispatcher) Accept(ctx context.Context, sessionID, msgID string) error {
    s, err := d.state(sessionID)
    if err != nil {
        return err
    }
    return s.ctl.AcceptConfirm(ctx, msgID)
}

func (d *Dispatcher) Decline(ctx context.Context, sessionID, msgID string) error {
    s, err := d.state(sessionID)
    if err != nil {
        return err
    }
    return s.ctl.DeclineConfirm(ctx, msgID)
}

// State reports the controller state of a known session.
func (d *Dispatcher) State(sessionID string) (turn.State, bool) {
    s, err := d.state(sessionID)
    if err != nil {
        return "", false
    }
    return s.ctl.State(), true
}

// OnMessage handles one control message from the host page. Failures are reported
// back to the page as error notifications.
func (d *Dispatcher) OnMessage(ctx context.Context, sessionID string, msg hostws.Message) {
    s, err := d.state(sessionID)
    if err != nil {
        d.store.AppendEvent(sessionID, "client_msg_unroutable", map[string]any{"type": msg.Type})
        return
    }
    cctx, cancel := context.WithTimeout(ctx, callTimeout)
    defer cancel()

    switch msg.Type {
    case "start":
        s.device.Allow()
        err = s.ctl.StartSession(cctx)
    case "mic_denied":
        s.device.Deny()
        d.store.AppendEvent(sessionID, "mic_denied", nil)
        err = s.ctl.StartSession(cctx)
    case "end":
        err = s.ctl.EndSession(cctx)
    case "text":
        err = s.ctl.SubmitText(cctx, msg.Text)
    case "confirm":
        err = s.ctl.AcceptConfirm(cctx, msg.MessageID)
    case "decline":
        err = s.ctl.DeclineConfirm(cctx, msg.MessageID)
    case "tts_done":
        if !s.synth.HandleDone(msg.UtteranceID) {
            d.store.AppendEvent(sessionID, "tts_done_unknown", map[string]any{"utterance_id": msg.UtteranceID})
        }
    case "ui_context":
        var ui map[string]any
        if ui, err = exchange.Normalize(msg.Payload); err == nil {
            err = s.ctl.SetUIContext(cctx, ui)
        }
    default:
        d.store.AppendEvent(sessionID, "client_msg_unknown", map[string]any{"type": msg.Type})
        return
    }
    if err != nil {
        log.Printf("[loop] sid=%s %s: %v", sessionID, msg.Type, err)
        d.send(sessionID, hostws.Out{Type: "error", Text: msg.Type, Error: err.Error()})
    }
}

// OnAudio feeds a PCM frame from the host page into the session's microphone.
func (d *Dispatcher) OnAudio(sessionID string, pcm []byte) {
    s, err := d.state(sessionID)
    if err != nil {
        return
    }
    s.device.Push(pcm)
}

// OnDisconnect ends the session when its page goes away. A reconnecting page has to
// send start again.
func (d *Dispatcher) OnDisconnect(sessionID string) {
    s, err := d.state(sessionID)
    if err != nil {
        return
    }
    ctx, cancel := context.WithTimeout(d.ctx, callTimeout)
    defer cancel()
    if err := s.ctl.EndSession(ctx); err != nil {
        log.Printf("[loop] sid=%s end on disconnect: %v", sessionID, err)
    }
}

func (d *Dispatcher) hooks(sessionID string) turn.Hooks {
    return turn.Hooks{
        OnState: func(from, to turn.State) {
            d.send(sessionID, hostws.Out{Type: "state", State: string(to)})
        },
        OnMessage: func(m types.Message) {
            d.send(sessionID, hostws.Out{Type: "message", Message: &m})
        },
        OnAlert: func(text string) {
            d.send(sessionID, hostws.Out{Type: "alert", Text: text})
        },
        OnAction: func(r exchange.ActionReply) {
            d.send(sessionID, hostws.Out{Type: "action", Text: r.Name, Payload: r.Raw})
        },
    }
}

func (d *Dispatcher) send(sessionID string, out hostws.Out) {
    out.TsMs = time.Now().UnixMilli()
    out.SessionID = sessionID
    ctx, cancel := context.WithTimeout(context.Background(), d.set.SendTimeout)
    defer cancel()
    err := d.reg.SendJSON(ctx, sessionID, out)
    if err != nil && !errors.Is(err, hostws.ErrNoConnection) {
        log.Printf("[loop] sid=%s send %s: %v", sessionID, out.Type, err)
    }
}
