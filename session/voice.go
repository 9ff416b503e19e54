package session

import (
	"encoding/binary"
	"math"
	"time"

	"voicenotes/encoder"
)

const (
	voiceFrameMs    = 20
	voiceFrameBytes = encoder.SampleRate * voiceFrameMs / 1000 * 2 // 640 bytes
	voiceLevel      = 500                                          // frame RMS counted as speech
	voiceDebounce   = 3                                            // consecutive loud frames to confirm voice

	silenceWarnAfter = 8 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // higher threshold to clear warning (hysteresis)
)

// voiceMeter classifies 20ms frames of 16-bit mono PCM as speech by energy.
// It is owned by the event loop.
type voiceMeter struct {
	buf       []byte
	speechRun int
	detected  bool

	tickTotal  int
	tickSpeech int
}

func (v *voiceMeter) Write(data []byte) {
	v.buf = append(v.buf, data...)
	for len(v.buf) >= voiceFrameBytes {
		loud := frameRMS(v.buf[:voiceFrameBytes]) >= voiceLevel
		v.buf = v.buf[voiceFrameBytes:]

		v.tickTotal++
		if !loud {
			v.speechRun = 0
			continue
		}
		v.speechRun++
		if v.speechRun >= voiceDebounce {
			v.detected = true
		}
		if v.detected {
			v.tickSpeech++
		}
	}
}

// Detected reports whether voice was heard at any point.
func (v *voiceMeter) Detected() bool { return v.detected }

// Tick reports whether enough of the frames since the last call were speech.
func (v *voiceMeter) Tick() bool {
	total, speech := v.tickTotal, v.tickSpeech
	v.tickTotal, v.tickSpeech = 0, 0
	if total == 0 {
		return false
	}
	return float64(speech)/float64(total) >= speechMinRatio
}

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

type silenceEvent int

const (
	silenceNone  silenceEvent = iota
	silenceWarn               // no voice detected
	silenceClear              // speech resumed after warning
)

// silenceMonitor watches a sliding window of per-tick speech flags.
type silenceMonitor struct {
	window []bool
	ticks  int
	warned bool
}

func newSilenceMonitor(tick time.Duration) *silenceMonitor {
	n := max(1, int(silenceWarnAfter/tick))
	return &silenceMonitor{window: make([]bool, n)}
}

func (m *silenceMonitor) ratio() float64 {
	n := min(m.ticks, len(m.window))
	if n == 0 {
		return 1
	}
	count := 0
	for i := range n {
		if m.window[(m.ticks-1-i)%len(m.window)] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *silenceMonitor) Tick(hasSpeech bool) silenceEvent {
	m.window[m.ticks%len(m.window)] = hasSpeech
	m.ticks++

	r := m.ratio()
	if m.ticks >= len(m.window) && r < speechMinRatio && !m.warned {
		m.warned = true
		return silenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return silenceClear
	}
	return silenceNone
}
