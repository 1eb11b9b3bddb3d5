// Package floor arbitrates who holds the audio floor: the microphone or the
// synthesizer. At most one of them is active at any instant.
package floor

// Holder is the resource currently owning the floor.
type Holder string

const (
    Nobody      Holder = ""
    Microphone  Holder = "microphone"
    Synthesizer Holder = "synthesizer"
)

// Decision represents the action the caller must take before its claim is in effect.
type Decision struct {
    SuspendMic      bool
    StopUtteranceID string
    Reason          string // e.g., "handoff", "barge_in"
    HeldMs          int64  // set by releases: how long the releasing holder had the floor
}

// Manager is owned by a single turn controller; it is not safe for concurrent use.
type Manager struct {
    holder            Holder
    activeUtteranceID string
    sinceMs           int64
}

func New() *Manager { return &Manager{} }

func (m *Manager) Holder() Holder { return m.holder }

func (m *Manager) ActiveUtterance() string { return m.activeUtteranceID }

// ClaimSynthesizer hands the floor to an utterance. If the microphone is live it must be
// suspended first; a different utterance still playing must be stopped.
func (m *Manager) ClaimSynthesizer(utteranceID string, tsMs int64) Decision {
    var d Decision
    switch m.holder {
    case Microphone:
        d = Decision{SuspendMic: true, Reason: "handoff"}
    case Synthesizer:
        if m.activeUtteranceID != "" && m.activeUtteranceID != utteranceID {
            d = Decision{StopUtteranceID: m.activeUtteranceID, Reason: "replaced"}
        }
    }
    m.holder = Synthesizer
    m.activeUtteranceID = utteranceID
    m.sinceMs = tsMs
    return d
}

// ReleaseSynthesizer returns the floor after playback ends. A release for an utterance
// that no longer holds the floor is ignored.
func (m *Manager) ReleaseSynthesizer(utteranceID string, tsMs int64) Decision {
    if m.holder != Synthesizer {
        return Decision{}
    }
    if utteranceID != "" && utteranceID != m.activeUtteranceID {
        return Decision{}
    }
    m.holder = Nobody
    m.activeUtteranceID = ""
    return Decision{HeldMs: tsMs - m.sinceMs}
}

// ClaimMicrophone hands the floor to capture. Any utterance still playing must be
// stopped so the synthesized voice is never recorded.
func (m *Manager) ClaimMicrophone(tsMs int64) Decision {
    var d Decision
    if m.holder == Synthesizer && m.activeUtteranceID != "" {
        d = Decision{StopUtteranceID: m.activeUtteranceID, Reason: "barge_in"}
    }
    m.holder = Microphone
    m.activeUtteranceID = ""
    m.sinceMs = tsMs
    return d
}

func (m *Manager) ReleaseMicrophone(tsMs int64) Decision {
    if m.holder != Microphone {
        return Decision{}
    }
    m.holder = Nobody
    return Decision{HeldMs: tsMs - m.sinceMs}
}

// Reset drops whoever holds the floor, stopping playback if needed.
func (m *Manager) Reset() Decision {
    var d Decision
    if m.holder == Synthesizer && m.activeUtteranceID != "" {
        d = Decision{StopUtteranceID: m.activeUtteranceID, Reason: "reset"}
    }
    m.holder = Nobody
    m.activeUtteranceID = ""
    return d
}
