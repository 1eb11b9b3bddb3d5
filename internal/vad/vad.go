// Package vad decides when a spoken utterance has ended from a stream of loudness
// samples.
package vad

import "time"

const (
	// DefaultThreshold is the loudness above which a frame counts as speech.
	DefaultThreshold = 0.015
	// DefaultSilence is how long the speaker must stay quiet, after having spoken,
	// before the utterance is committed.
	DefaultSilence = 1000 * time.Millisecond
)

// Detector tracks one listening episode. It is not safe for concurrent use; the
// sampling loop that feeds it owns it for the duration of an episode.
type Detector struct {
	Threshold float64
	Silence   time.Duration

	hasSpoken    bool
	lastSpeechAt time.Time
	committed    bool
}

func New(threshold float64, silence time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if silence <= 0 {
		silence = DefaultSilence
	}
	return &Detector{Threshold: threshold, Silence: silence}
}

// Observe feeds one loudness sample taken at now. It returns true exactly once per
// episode: on the first sample at which the speaker has been silent for at least
// Silence after having spoken. Silence before any speech never commits.
func (d *Detector) Observe(level float64, now time.Time) bool {
	if d.committed {
		return false
	}
	if level > d.Threshold {
		d.hasSpoken = true
		d.lastSpeechAt = now
		return false
	}
	if !d.hasSpoken {
		return false
	}
	if now.Sub(d.lastSpeechAt) >= d.Silence {
		d.committed = true
		return true
	}
	return false
}

// Reset starts a new episode.
func (d *Detector) Reset() {
	d.hasSpoken = false
	d.lastSpeechAt = time.Time{}
	d.committed = false
}

func (d *Detector) HasSpoken() bool { return d.hasSpoken }

func (d *Detector) Committed() bool { return d.committed }

// LastSpeechAt is zero until the first sample above threshold.
func (d *Detector) LastSpeechAt() time.Time { return d.lastSpeechAt }
