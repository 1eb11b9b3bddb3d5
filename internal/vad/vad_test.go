package vad

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frame = 10 * time.Millisecond

// feed runs a loudness profile through d and returns the offsets at which it committed.
func feed(d *Detector, start time.Time, segments ...segment) []time.Duration {
	var commits []time.Duration
	offset := time.Duration(0)
	for _, seg := range segments {
		for elapsed := time.Duration(0); elapsed < seg.dur; elapsed += frame {
			if d.Observe(seg.level, start.Add(offset)) {
				commits = append(commits, offset)
			}
			offset += frame
		}
	}
	return commits
}

type segment struct {
	level float64
	dur   time.Duration
}

func TestSilenceBeforeSpeechNeverCommits(t *testing.T) {
	d := New(DefaultThreshold, DefaultSilence)
	commits := feed(d, time.Now(),
		segment{0.001, 5 * time.Second},
		segment{0.015, 2 * time.Second}, // at threshold is not above it
	)
	assert.Empty(t, commits)
	assert.False(t, d.HasSpoken())
}

func TestCommitAfterSpeechThenSilence(t *testing.T) {
	d := New(DefaultThreshold, DefaultSilence)
	start := time.Now()
	commits := feed(d, start,
		segment{0.10, 50 * time.Millisecond},
		segment{0.001, 1100 * time.Millisecond},
	)
	require.Len(t, commits, 1)
	// Last loud frame is at 40ms, so the gap reaches 1000ms at 1040ms.
	assert.Equal(t, 1040*time.Millisecond, commits[0])
	assert.InDelta(t, 1050, commits[0].Milliseconds(), 20)
}

func TestSingleCommitPerEpisode(t *testing.T) {
	d := New(DefaultThreshold, DefaultSilence)
	commits := feed(d, time.Now(),
		segment{0.2, 200 * time.Millisecond},
		segment{0.0, 1500 * time.Millisecond},
		segment{0.2, 200 * time.Millisecond},
		segment{0.0, 1500 * time.Millisecond},
	)
	assert.Len(t, commits, 1)
	assert.True(t, d.Committed())
}

func TestSpeechResetsSilenceWindow(t *testing.T) {
	d := New(DefaultThreshold, DefaultSilence)
	commits := feed(d, time.Now(),
		segment{0.2, 100 * time.Millisecond},
		segment{0.0, 900 * time.Millisecond},
		segment{0.2, 100 * time.Millisecond},
		segment{0.0, 900 * time.Millisecond},
	)
	assert.Empty(t, commits, "gaps shorter than the silence duration must not commit")
}

func TestResetStartsNewEpisode(t *testing.T) {
	d := New(DefaultThreshold, DefaultSilence)
	start := time.Now()
	require.Len(t, feed(d, start, segment{0.2, 50 * time.Millisecond}, segment{0, 1100 * time.Millisecond}), 1)

	d.Reset()
	assert.False(t, d.HasSpoken())
	assert.True(t, d.LastSpeechAt().IsZero())
	assert.Len(t, feed(d, start.Add(time.Minute), segment{0.2, 50 * time.Millisecond}, segment{0, 1100 * time.Millisecond}), 1)
}

func TestNewAppliesDefaults(t *testing.T) {
	d := New(0, 0)
	assert.Equal(t, DefaultThreshold, d.Threshold)
	assert.Equal(t, DefaultSilence, d.Silence)
}
