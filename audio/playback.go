package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// clip is the shared reader state behind every PlaybackHandle. The platform
// backends pull samples from it on their audio thread.
type clip struct {
	samples    []int16
	sampleRate uint32

	pos    atomic.Int64
	paused atomic.Bool

	done     chan struct{}
	doneOnce sync.Once
}

func newClip(samples []int16, sampleRate uint32) *clip {
	if sampleRate == 0 {
		sampleRate = 16000
	}
	return &clip{samples: samples, sampleRate: sampleRate, done: make(chan struct{})}
}

// read fills buf with the next samples. Paused clips yield silence without
// advancing. Returns 0 once the end has been reached.
func (c *clip) read(buf []int16) int {
	if c.paused.Load() {
		clear(buf)
		return len(buf)
	}
	pos := int(c.pos.Load())
	if pos >= len(c.samples) {
		c.finish()
		return 0
	}
	n := copy(buf, c.samples[pos:])
	c.pos.Add(int64(n))
	return n
}

func (c *clip) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *clip) Pause()       { c.paused.Store(true) }
func (c *clip) Resume()      { c.paused.Store(false) }
func (c *clip) Paused() bool { return c.paused.Load() }

func (c *clip) Position() time.Duration {
	return c.samplesToDuration(int(c.pos.Load()))
}

func (c *clip) Duration() time.Duration {
	return c.samplesToDuration(len(c.samples))
}

func (c *clip) Seek(pos time.Duration) {
	n := int64(pos.Seconds() * float64(c.sampleRate))
	n = max(0, min(n, int64(len(c.samples))))
	c.pos.Store(n)
}

func (c *clip) Done() <-chan struct{} { return c.done }

func (c *clip) samplesToDuration(n int) time.Duration {
	return time.Duration(float64(n) / float64(c.sampleRate) * float64(time.Second))
}
