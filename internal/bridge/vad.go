package bridge

import (
	"time"

	"github.com/lbakken/callpipe/internal/audio"
)

// VADConfig tunes the frame-level commit detector.
type VADConfig struct {
	ThresholdRMS  float64
	CommitSilence time.Duration
	// MaxUtterance forces a commit on very long speech; zero disables it.
	MaxUtterance time.Duration
}

// VADResult is the outcome of feeding one frame.
type VADResult struct {
	// Voiced reports whether the frame's RMS cleared the threshold.
	Voiced bool
	// CommitReason is "silence" or "max_utterance" when the detector decides
	// the utterance is over, empty otherwise.
	CommitReason string
}

// Detector accumulates speech and silence time across fixed 20 ms frames of
// decoded carrier audio. Time advances by frame duration, not wall clock, so
// behavior is deterministic under replay.
type Detector struct {
	cfg        VADConfig
	sampleRate int

	pendingSpeech bool
	speechMs      int
	silenceMs     int
}

func NewDetector(cfg VADConfig, sampleRate int) *Detector {
	if cfg.ThresholdRMS <= 0 {
		cfg.ThresholdRMS = 0.012
	}
	if cfg.CommitSilence <= 0 {
		cfg.CommitSilence = 900 * time.Millisecond
	}
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &Detector{cfg: cfg, sampleRate: sampleRate}
}

// Feed processes one decoded PCM frame.
func (d *Detector) Feed(frame []int16) VADResult {
	if len(frame) == 0 {
		return VADResult{}
	}
	frameMs := len(frame) * 1000 / d.sampleRate
	voiced := audio.RMS(frame) >= d.cfg.ThresholdRMS

	if voiced {
		d.pendingSpeech = true
		d.silenceMs = 0
		d.speechMs += frameMs
		if d.cfg.MaxUtterance > 0 && d.speechMs >= int(d.cfg.MaxUtterance.Milliseconds()) {
			d.speechMs = 0
			d.silenceMs = 0
			d.pendingSpeech = false
			return VADResult{Voiced: true, CommitReason: "max_utterance"}
		}
		return VADResult{Voiced: true}
	}

	d.silenceMs += frameMs
	d.speechMs = 0
	if d.pendingSpeech && d.silenceMs >= int(d.cfg.CommitSilence.Milliseconds()) {
		d.pendingSpeech = false
		return VADResult{CommitReason: "silence"}
	}
	return VADResult{}
}

// Reset clears all counters, used after an externally forced commit.
func (d *Detector) Reset() {
	d.pendingSpeech = false
	d.speechMs = 0
	d.silenceMs = 0
}
