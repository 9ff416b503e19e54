package beep

import (
	"sync/atomic"
	"testing"
	"time"

	"voicenotes/audio"
)

type countingContext struct {
	*audio.FakeContext
	plays atomic.Int32
}

func (c *countingContext) NewPlayback(samples []int16, cfg audio.CaptureConfig) (audio.PlaybackHandle, error) {
	c.plays.Add(1)
	return c.FakeContext.NewPlayback(samples, cfg)
}

func TestGenerateTickDecays(t *testing.T) {
	s := generateTick(sampleRate, 1000, 0.2, 0.5, 40)
	if len(s) != 3200 {
		t.Fatalf("len = %d, want 3200", len(s))
	}
	peak := func(xs []int16) int16 {
		var m int16
		for _, x := range xs {
			m = max(m, x, -x)
		}
		return m
	}
	if head, tail := peak(s[:400]), peak(s[len(s)-400:]); tail >= head {
		t.Errorf("tail peak %d not below head peak %d", tail, head)
	}
}

func TestDoubleBeepHasGap(t *testing.T) {
	s := generateDoubleBeep(sampleRate, 350, 0.08, 0.05, 0.6, 30)
	beepLen, gapLen := 1280, 800
	if len(s) != 2*beepLen+gapLen {
		t.Fatalf("len = %d", len(s))
	}
	for i, v := range s[beepLen : beepLen+gapLen] {
		if v != 0 {
			t.Fatalf("gap sample %d = %d", i, v)
		}
	}
}

func TestPlayerPlaysUnlessDisabled(t *testing.T) {
	ctx := &countingContext{FakeContext: audio.NewFakeContextPCM(nil, false)}
	p := New(ctx)

	p.PlayStart()
	p.Wait(2 * time.Second)
	if got := ctx.plays.Load(); got != 1 {
		t.Fatalf("plays = %d, want 1", got)
	}

	p.Disable()
	p.PlayEnd()
	p.PlayError()
	p.Wait(time.Second)
	if got := ctx.plays.Load(); got != 1 {
		t.Errorf("plays after Disable = %d, want 1", got)
	}
}
