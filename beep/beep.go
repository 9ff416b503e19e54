// Package beep plays short audible cues when recording starts, stops or
// fails. Cues are synthesized once and played through the audio context's
// playback path.
package beep

import (
	"math"
	"sync/atomic"
	"time"

	"voicenotes/audio"
	"voicenotes/log"
)

const (
	sampleRate = 16000

	// Start beep: high pitch, short
	startFreq   = 1200
	startVolume = 0.5
	startDecay  = 60

	// End beep: medium pitch, slightly longer
	endFreq   = 900
	endVolume = 0.5
	endDecay  = 40

	// Error beep: low pitch double-beep
	errorFreq   = 350
	errorVolume = 0.6
	errorDecay  = 30
)

type Player struct {
	ctx      audio.Context
	disabled atomic.Bool
	playing  atomic.Int32

	start, end, fail []int16
}

func New(ctx audio.Context) *Player {
	return &Player{
		ctx:   ctx,
		start: generateTick(sampleRate, startFreq, 0.15, startVolume, startDecay),
		end:   generateTick(sampleRate, endFreq, 0.2, endVolume, endDecay),
		fail:  generateDoubleBeep(sampleRate, errorFreq, 0.08, 0.05, errorVolume, errorDecay),
	}
}

func (p *Player) Disable() { p.disabled.Store(true) }

func (p *Player) PlayStart() { p.play(p.start) }
func (p *Player) PlayEnd()   { p.play(p.end) }
func (p *Player) PlayError() { p.play(p.fail) }

// Wait blocks until no cue is playing or timeout elapses.
func (p *Player) Wait(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for p.playing.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

func (p *Player) play(samples []int16) {
	if p == nil || p.disabled.Load() || len(samples) == 0 {
		return
	}
	p.playing.Add(1)
	go func() {
		defer p.playing.Add(-1)
		h, err := p.ctx.NewPlayback(samples, audio.CaptureConfig{SampleRate: sampleRate, Channels: 1})
		if err != nil {
			log.Debugf("beep: %v", err)
			return
		}
		defer h.Close()
		if err := h.Start(); err != nil {
			log.Debugf("beep: %v", err)
			return
		}
		select {
		case <-h.Done():
		case <-time.After(h.Duration() + time.Second):
		}
	}()
}

func generateTick(sampleRate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(sampleRate) * duration)
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		envelope := math.Exp(-t * decay)
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
	}
	return samples
}

func generateDoubleBeep(sampleRate int, freq, beepDur, gapDur, volume, decay float64) []int16 {
	beep := generateTick(sampleRate, freq, beepDur, volume, decay)
	gap := make([]int16, int(float64(sampleRate)*gapDur))
	result := make([]int16, 0, len(beep)*2+len(gap))
	result = append(result, beep...)
	result = append(result, gap...)
	result = append(result, beep...)
	return result
}
