// Package turn runs the conversation turn-taking state machine: listen, transcribe,
// reason, speak, listen again.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicedesk/agent/internal/capture"
	"voicedesk/agent/internal/exchange"
	"voicedesk/agent/internal/floor"
	"voicedesk/agent/internal/speech"
	"voicedesk/agent/internal/store"
	"voicedesk/agent/internal/types"
	"voicedesk/agent/internal/vad"
)

const (
	DefaultFrameInterval   = 16 * time.Millisecond
	DefaultResumeDelay     = 300 * time.Millisecond
	DefaultMinPayloadBytes = 1000
)

// Hooks let the host observe the controller. They run on the controller's loop
// goroutine and must not call back into the controller synchronously.
type Hooks struct {
	OnState   func(from, to State)
	OnMessage func(m types.Message)
	OnAlert   func(text string)
	OnAction  func(reply exchange.ActionReply)
}

type Options struct {
	Threshold       float64
	Silence         time.Duration
	FrameInterval   time.Duration
	ResumeDelay     time.Duration
	MinPayloadBytes int
}

// Deps are the collaborators the controller owns for the lifetime of its session.
type Deps struct {
	Capture     Capture
	Recorder    Recorder
	Transcriber exchange.Transcriber
	Exchange    Exchange
	Synth       speech.Synthesizer
	Store       *store.Store
}

type pendingConfirm struct {
	req      types.ConfirmRequest
	resolved bool
}

// Controller owns one conversation session. All state below the loop marker is touched
// only by the goroutine running Run; public methods post work to it.
type Controller struct {
	id    string
	deps  Deps
	opts  Options
	hooks Hooks

	reqs    chan func()
	events  chan any
	done    chan struct{}
	running atomic.Bool

	snapMu    sync.RWMutex
	snapState State
	snapOpen  bool

	// loop
	runCtx        context.Context
	opCtx         context.Context
	opCancel      context.CancelFunc
	state         State
	open          bool
	seq           uint64
	transitioning bool
	detector      *vad.Detector
	floor         *floor.Manager
	ticker        *time.Ticker
	tickC         <-chan time.Time
	resumeTimer   *time.Timer
	speakingMsgID string
	uiContext     map[string]any
	confirms      map[string]*pendingConfirm
}

func New(id string, deps Deps, opts Options, hooks Hooks) *Controller {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.MinPayloadBytes <= 0 {
		opts.MinPayloadBytes = DefaultMinPayloadBytes
	}
	return &Controller{
		id:        id,
		deps:      deps,
		opts:      opts,
		hooks:     hooks,
		reqs:      make(chan func()),
		events:    make(chan any, 16),
		done:      make(chan struct{}),
		snapState: Idle,
		state:     Idle,
		detector:  vad.New(opts.Threshold, opts.Silence),
		floor:     floor.New(),
		confirms:  make(map[string]*pendingConfirm),
	}
}

func (c *Controller) SessionID() string { return c.id }

// State is safe to call from any goroutine.
func (c *Controller) State() State {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapState
}

func (c *Controller) SessionOpen() bool {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapOpen
}

// Done is closed once Run has returned and every resource is released.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Run is the controller's event loop. It returns when ctx ends, after ending the
// session.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("turn: controller already running")
	}
	c.runCtx = ctx
	defer close(c.done)
	defer c.endSession()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.reqs:
			fn()
		case ev := <-c.events:
			c.handle(ev)
		case now := <-c.tickC:
			c.onTick(now)
		}
	}
}

// call runs fn on the loop and returns its error.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.reqs <- func() { errc <- fn() }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

func (c *Controller) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// StartSession opens the session if needed and starts listening. A device failure is
// returned and published as an alert; the session stays open for typed text.
func (c *Controller) StartSession(ctx context.Context) error {
	return c.call(ctx, func() error {
		if c.open && c.state != Idle {
			return ErrBusy
		}
		if !c.open {
			if _, err := c.deps.Store.Open(c.id); err != nil && !errors.Is(err, store.ErrSessionExists) {
				return err
			}
			c.open = true
			c.opCtx, c.opCancel = context.WithCancel(c.runCtx)
			c.deps.Store.AppendEvent(c.id, "session_started", nil)
			log.Printf("[turn] session started sid=%s", c.id)
			c.snapshot()
		}
		return c.listen()
	})
}

// EndSession returns to Idle from any state, releases the microphone and synthesizer,
// cancels in-flight calls and clears the transcript. It is idempotent.
func (c *Controller) EndSession(ctx context.Context) error {
	return c.call(ctx, func() error {
		c.endSession()
		return nil
	})
}

// SubmitText sends typed text to the reasoning service, bypassing capture.
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return c.call(ctx, func() error {
		if !c.open {
			return ErrNoSession
		}
		switch c.state {
		case Processing, Speaking:
			return ErrBusy
		case Listening:
			c.leaveListening()
		}
		c.setState(Processing)
		if _, err := c.appendMessage(types.Message{Role: types.RoleUser, Kind: types.KindText, Content: text}); err != nil {
			c.resumeListening()
			return err
		}
		c.converse(text)
		return nil
	})
}

// AcceptConfirm is the only path that executes a proposed action.
func (c *Controller) AcceptConfirm(ctx context.Context, msgID string) error {
	return c.call(ctx, func() error {
		if !c.open {
			return ErrNoSession
		}
		pc, ok := c.confirms[msgID]
		if !ok {
			return ErrConfirmNotFound
		}
		if pc.resolved {
			return ErrConfirmResolved
		}
		if c.transitioning {
			c.guardNoop("accept")
			return ErrBusy
		}
		switch c.state {
		case Processing:
			return ErrBusy
		case Listening:
			c.leaveListening()
		case Speaking:
			c.interruptSpeech()
		}
		pc.resolved = true
		c.deps.Store.AppendEvent(c.id, "confirm_accepted", map[string]any{"message_id": msgID, "action": pc.req.ActionName})
		log.Printf("[turn] confirm accepted sid=%s action=%s", c.id, pc.req.ActionName)
		c.setState(Processing)

		seq, opCtx, req := c.seq, c.opCtx, pc.req
		go func() {
			res, err := c.deps.Exchange.ConfirmAction(opCtx, req.ActionName, req.ActionData)
			c.post(confirmedEvent{seq: seq, msgID: msgID, result: res, err: err})
		}()
		return nil
	})
}

// DeclineConfirm resolves a pending confirmation without executing it.
func (c *Controller) DeclineConfirm(ctx context.Context, msgID string) error {
	return c.call(ctx, func() error {
		if !c.open {
			return ErrNoSession
		}
		pc, ok := c.confirms[msgID]
		if !ok {
			return ErrConfirmNotFound
		}
		if pc.resolved {
			return ErrConfirmResolved
		}
		pc.resolved = true
		c.deps.Store.AppendEvent(c.id, "confirm_declined", map[string]any{"message_id": msgID, "action": pc.req.ActionName})
		log.Printf("[turn] confirm declined sid=%s action=%s", c.id, pc.req.ActionName)
		return nil
	})
}

// SetUIContext replaces the context sent with every following reasoning request.
func (c *Controller) SetUIContext(ctx context.Context, uiContext map[string]any) error {
	return c.call(ctx, func() error {
		c.uiContext = uiContext
		return nil
	})
}

func (c *Controller) handle(ev any) {
	switch e := ev.(type) {
	case finalizedEvent:
		if !c.stale(e.seq) {
			c.onFinalized(e)
		}
	case transcribedEvent:
		if !c.stale(e.seq) {
			c.onTranscribed(e)
		}
	case repliedEvent:
		if !c.stale(e.seq) {
			c.onReplied(e)
		}
	case confirmedEvent:
		if !c.stale(e.seq) {
			c.onConfirmed(e)
		}
	case spokenEvent:
		if !c.stale(e.seq) {
			c.onSpoken(e)
		}
	case resumeEvent:
		if !c.stale(e.seq) {
			c.onResume()
		}
	}
}

func (c *Controller) stale(seq uint64) bool {
	if seq != c.seq {
		metricStaleEvents.Inc()
		return true
	}
	return false
}

func (c *Controller) setState(to State) {
	c.seq++
	from := c.state
	if from == to {
		return
	}
	c.state = to
	metricStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	log.Printf("[turn] sid=%s %s -> %s", c.id, from, to)
	c.deps.Store.AppendEvent(c.id, "state", map[string]any{"from": string(from), "to": string(to)})
	c.snapshot()
	if c.hooks.OnState != nil {
		c.hooks.OnState(from, to)
	}
}

func (c *Controller) snapshot() {
	c.snapMu.Lock()
	c.snapState = c.state
	c.snapOpen = c.open
	c.snapMu.Unlock()
}

// listen moves to Listening: capture open and resumed, recorder running, VAD reset,
// sampling started.
func (c *Controller) listen() error {
	c.stopResume()
	if err := c.deps.Capture.Open(c.runCtx); err != nil {
		c.deviceFailure(err)
		return err
	}
	if d := c.floor.ClaimMicrophone(nowMs()); d.StopUtteranceID != "" {
		log.Printf("[turn] sid=%s stopping utterance=%s reason=%s", c.id, d.StopUtteranceID, d.Reason)
		c.deps.Synth.Stop()
	}
	c.deps.Capture.Resume()
	c.deps.Recorder.Start(c.deps.Capture)
	c.detector.Reset()
	c.startSampling()
	c.setState(Listening)
	return nil
}

func (c *Controller) resumeListening() {
	if err := c.listen(); err != nil {
		log.Printf("[turn] sid=%s resume listening failed: %v", c.id, err)
	}
}

// leaveListening stops sampling and recording and hands the microphone back.
func (c *Controller) leaveListening() {
	c.stopSampling()
	c.deps.Recorder.Discard()
	c.deps.Capture.Suspend()
	c.floor.ReleaseMicrophone(nowMs())
}

func (c *Controller) startSampling() {
	if c.ticker == nil {
		c.ticker = time.NewTicker(c.opts.FrameInterval)
	} else {
		c.ticker.Reset(c.opts.FrameInterval)
	}
	c.tickC = c.ticker.C
}

func (c *Controller) stopSampling() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	c.tickC = nil
}

func (c *Controller) stopResume() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
}

func (c *Controller) onTick(now time.Time) {
	if c.state != Listening {
		return
	}
	if err := c.deps.Capture.Err(); err != nil {
		c.deviceFailure(err)
		return
	}
	if !c.detector.Observe(c.deps.Capture.Sample(), now) {
		return
	}
	c.commit()
}

// commit ends the utterance on VAD silence and hands it to transcription.
func (c *Controller) commit() {
	if c.transitioning {
		c.guardNoop("commit")
		return
	}
	metricVADCommits.Inc()
	c.stopSampling()
	c.deps.Capture.Suspend()
	d := c.floor.ReleaseMicrophone(nowMs())
	log.Printf("[turn] sid=%s vad commit listened=%dms", c.id, d.HeldMs)
	c.setState(Processing)

	seq, opCtx, rec := c.seq, c.opCtx, c.deps.Recorder
	go func() {
		blob, err := rec.Finalize(opCtx)
		c.post(finalizedEvent{seq: seq, blob: blob, err: err})
	}()
}

func (c *Controller) onFinalized(e finalizedEvent) {
	if e.err != nil {
		log.Printf("[turn] sid=%s finalize failed: %v", c.id, e.err)
		c.resumeListening()
		return
	}
	if e.blob.Len() < c.opts.MinPayloadBytes {
		metricPayloadRejected.Inc()
		log.Printf("[turn] sid=%s payload too small bytes=%d min=%d", c.id, e.blob.Len(), c.opts.MinPayloadBytes)
		c.resumeListening()
		return
	}
	seq, opCtx, blob := c.seq, c.opCtx, e.blob
	go func() {
		text, err := c.deps.Transcriber.Transcribe(opCtx, blob)
		c.post(transcribedEvent{seq: seq, text: text, err: err})
	}()
}

func (c *Controller) onTranscribed(e transcribedEvent) {
	if e.err != nil {
		c.serviceFailure("transcribe", e.err)
		return
	}
	text := strings.TrimSpace(e.text)
	if text == "" {
		log.Printf("[turn] sid=%s empty transcription", c.id)
		c.resumeListening()
		return
	}
	if _, err := c.appendMessage(types.Message{Role: types.RoleUser, Kind: types.KindText, Content: text}); err != nil {
		c.resumeListening()
		return
	}
	c.converse(text)
}

func (c *Controller) converse(text string) {
	seq, opCtx, uc := c.seq, c.opCtx, c.uiContext
	go func() {
		reply, err := c.deps.Exchange.Converse(opCtx, text, c.id, uc)
		c.post(repliedEvent{seq: seq, reply: reply, err: err})
	}()
}

func (c *Controller) onReplied(e repliedEvent) {
	if e.err != nil {
		c.serviceFailure("converse", e.err)
		return
	}
	msg := types.Message{Role: types.RoleAssistant, Kind: types.KindText, Content: strings.TrimSpace(exchange.DisplayText(e.reply))}
	switch r := e.reply.(type) {
	case exchange.ConfirmReply:
		cr := r.Confirm
		msg.Kind = types.KindConfirm
		msg.Confirm = &cr
	case exchange.ErrorReply:
		msg.Kind = types.KindError
	case exchange.WidgetReply:
		msg.Kind = types.KindWidget
		msg.Payload = r.Widget
	case exchange.ActionReply:
		log.Printf("[turn] sid=%s action=%s", c.id, r.Name)
		if c.hooks.OnAction != nil {
			c.hooks.OnAction(r)
		}
	}

	say := exchange.SpeechText(e.reply)
	if msg.Content == "" {
		msg.Content = say
	}
	if msg.Content == "" && msg.Kind == types.KindText {
		c.resumeListening()
		return
	}
	msg.Streaming = say != ""
	stored, err := c.appendMessage(msg)
	if err != nil {
		c.resumeListening()
		return
	}
	if msg.Kind == types.KindConfirm {
		c.confirms[stored.ID] = &pendingConfirm{req: *msg.Confirm}
	}
	if say == "" {
		c.resumeListening()
		return
	}
	c.speak(stored.ID, say)
}

func (c *Controller) onConfirmed(e confirmedEvent) {
	if e.err != nil {
		metricServiceFailures.WithLabelValues("confirm").Inc()
		log.Printf("[turn] sid=%s confirm failed: %v", c.id, e.err)
		_, _ = c.appendMessage(types.Message{
			Role:    types.RoleAssistant,
			Kind:    types.KindError,
			Content: "The action could not be completed. " + failureDetail(e.err),
		})
		c.resumeListening()
		return
	}
	text := strings.TrimSpace(e.result.Message)
	if text == "" {
		text = "Done."
	}
	stored, err := c.appendMessage(types.Message{Role: types.RoleAssistant, Kind: types.KindText, Content: text, Streaming: true})
	if err != nil {
		c.resumeListening()
		return
	}
	c.speak(stored.ID, text)
}

// speak is the Processing -> Speaking edge. The microphone is suspended before the
// synthesizer gets the floor.
func (c *Controller) speak(msgID, text string) {
	if c.transitioning {
		c.guardNoop("processing->speaking")
		return
	}
	c.transitioning = true
	d := c.floor.ClaimSynthesizer(msgID, nowMs())
	if d.SuspendMic {
		c.deps.Capture.Suspend()
	}
	if d.StopUtteranceID != "" {
		c.deps.Synth.Stop()
	}
	comp, err := c.deps.Synth.Speak(c.opCtx, text, speech.PriorityNormal)
	if err != nil {
		c.transitioning = false
		log.Printf("[turn] sid=%s speak failed: %v", c.id, err)
		c.floor.ReleaseSynthesizer(msgID, nowMs())
		c.finalizeMessage(msgID)
		c.resumeListening()
		return
	}
	c.speakingMsgID = msgID
	c.setState(Speaking)
	c.transitioning = false

	seq := c.seq
	go func() {
		select {
		case <-comp.Done():
			c.post(spokenEvent{seq: seq, msgID: msgID, err: comp.Err()})
		case <-c.done:
		}
	}()
}

// onSpoken is the Speaking -> Listening edge. Listening resumes after ResumeDelay so
// the tail of the synthesized audio is not captured.
func (c *Controller) onSpoken(e spokenEvent) {
	if c.state != Speaking || e.msgID != c.speakingMsgID {
		metricStaleEvents.Inc()
		return
	}
	if c.transitioning {
		c.guardNoop("speaking->listening")
		return
	}
	c.transitioning = true
	if e.err != nil {
		log.Printf("[turn] sid=%s speech ended: %v", c.id, e.err)
	}
	c.finalizeMessage(e.msgID)
	d := c.floor.ReleaseSynthesizer(e.msgID, nowMs())
	log.Printf("[turn] sid=%s speech done spoke=%dms", c.id, d.HeldMs)

	seq := c.seq
	c.resumeTimer = time.AfterFunc(c.opts.ResumeDelay, func() {
		c.post(resumeEvent{seq: seq})
	})
}

func (c *Controller) onResume() {
	if c.state != Speaking {
		return
	}
	c.resumeTimer = nil
	c.speakingMsgID = ""
	c.transitioning = false
	c.resumeListening()
}

// interruptSpeech abandons the current utterance, for a user action that supersedes it.
func (c *Controller) interruptSpeech() {
	c.stopResume()
	c.transitioning = false
	if d := c.floor.Reset(); d.StopUtteranceID != "" {
		c.deps.Synth.Stop()
	}
	if c.speakingMsgID != "" {
		c.finalizeMessage(c.speakingMsgID)
		c.speakingMsgID = ""
	}
}

func (c *Controller) guardNoop(edge string) {
	metricGuardNoops.Inc()
	log.Printf("[turn] sid=%s transition in progress, ignoring %s", c.id, edge)
}

// serviceFailure records a failed transcription or reasoning call and stops the
// conversation in Idle. The session stays open.
func (c *Controller) serviceFailure(op string, err error) {
	metricServiceFailures.WithLabelValues(op).Inc()
	log.Printf("[turn] sid=%s %s failed: %v", c.id, op, err)

	text := "Sorry, something went wrong. " + failureDetail(err)
	if se, ok := exchange.AsServiceError(err); ok && se.MissingCredential() {
		text = msgMissingCredential
	}
	_, _ = c.appendMessage(types.Message{Role: types.RoleAssistant, Kind: types.KindError, Content: text})
	c.releaseAll()
	c.setState(Idle)
}

func failureDetail(err error) string {
	if se, ok := exchange.AsServiceError(err); ok {
		if se.Detail != "" {
			return se.Detail
		}
		if se.Status != 0 {
			return fmt.Sprintf("The service answered with status %d.", se.Status)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The service did not answer in time."
	}
	return "Please try again."
}

func (c *Controller) deviceFailure(err error) {
	metricDeviceFailures.Inc()
	log.Printf("[turn] sid=%s capture failed: %v", c.id, err)
	text := msgMicUnavailable
	if errors.Is(err, capture.ErrPermissionDenied) {
		text = "Microphone access was denied. Allow microphone access or type your request instead."
	}
	c.alert(text)
	c.releaseAll()
	c.setState(Idle)
}

// releaseAll stops sampling, recording, capture and playback.
func (c *Controller) releaseAll() {
	c.stopSampling()
	c.stopResume()
	c.deps.Recorder.Discard()
	if err := c.deps.Capture.Close(); err != nil {
		log.Printf("[turn] sid=%s capture close: %v", c.id, err)
	}
	if d := c.floor.Reset(); d.StopUtteranceID != "" {
		c.deps.Synth.Stop()
	}
	if c.speakingMsgID != "" && c.open {
		c.finalizeMessage(c.speakingMsgID)
	}
	c.speakingMsgID = ""
	c.transitioning = false
}

func (c *Controller) endSession() {
	if c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
	c.releaseAll()
	c.deps.Synth.Stop()
	c.confirms = make(map[string]*pendingConfirm)
	c.uiContext = nil
	if c.open {
		c.open = false
		c.deps.Store.Close(c.id)
		c.deps.Store.AppendEvent(c.id, "session_ended", nil)
		log.Printf("[turn] session ended sid=%s", c.id)
	}
	c.setState(Idle)
	c.snapshot()
}

func (c *Controller) alert(text string) {
	c.deps.Store.AppendEvent(c.id, "alert", map[string]any{"text": text})
	if c.hooks.OnAlert != nil {
		c.hooks.OnAlert(text)
	}
}

func (c *Controller) appendMessage(msg types.Message) (types.Message, error) {
	msg.ID = uuid.NewString()
	stored, err := c.deps.Store.Append(c.id, msg)
	if err != nil {
		log.Printf("[turn] sid=%s append failed: %v", c.id, err)
		return stored, err
	}
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(stored)
	}
	return stored, nil
}

func (c *Controller) finalizeMessage(msgID string) {
	stored, err := c.deps.Store.Finalize(c.id, msgID)
	if err != nil {
		return
	}
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(stored)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }
