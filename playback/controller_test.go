package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"voicenotes/audio"
	"voicenotes/encoder"
	"voicenotes/notes"
)

type countingContext struct {
	*audio.FakeContext

	mu      sync.Mutex
	handles []*countingHandle
}

func newCountingContext() *countingContext {
	return &countingContext{FakeContext: audio.NewFakeContextPCM(nil, false)}
}

func (c *countingContext) NewPlayback(samples []int16, cfg audio.CaptureConfig) (audio.PlaybackHandle, error) {
	h, err := c.FakeContext.NewPlayback(samples, cfg)
	if err != nil {
		return nil, err
	}
	ch := &countingHandle{PlaybackHandle: h}
	c.mu.Lock()
	c.handles = append(c.handles, ch)
	c.mu.Unlock()
	return ch, nil
}

// open counts handles that have been created but not closed.
func (c *countingContext) open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if !h.isClosed() {
			n++
		}
	}
	return n
}

type countingHandle struct {
	audio.PlaybackHandle
	mu     sync.Mutex
	closed bool
}

func (h *countingHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.PlaybackHandle.Close()
}

func (h *countingHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type progressEvent struct {
	id       string
	pos, dur time.Duration
}

type recordingSink struct {
	mu       sync.Mutex
	states   map[string]bool
	progress []progressEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{states: map[string]bool{}}
}

func (s *recordingSink) PlayState(id string, playing bool) {
	s.mu.Lock()
	s.states[id] = playing
	s.mu.Unlock()
}

func (s *recordingSink) Progress(id string, pos, dur time.Duration) {
	s.mu.Lock()
	s.progress = append(s.progress, progressEvent{id, pos, dur})
	s.mu.Unlock()
}

func (s *recordingSink) playing(id string) (playing, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	playing, known = s.states[id]
	return
}

func (s *recordingSink) lastProgress() (progressEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.progress) == 0 {
		return progressEvent{}, false
	}
	return s.progress[len(s.progress)-1], true
}

func testNote(t *testing.T, id string, seconds float64) notes.Note {
	t.Helper()
	pcm := make([]byte, int(seconds*encoder.SampleRate)*2)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = byte(i)
	}
	flac, err := encoder.EncodePCM(pcm)
	if err != nil {
		t.Fatal(err)
	}
	return notes.Note{ID: id, Title: id, AudioData: flac, MimeType: encoder.MimeType, Duration: seconds}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlayingBStopsA(t *testing.T) {
	ctx := newCountingContext()
	sink := newRecordingSink()
	c := New(ctx, sink)
	defer c.Stop()

	a, b := testNote(t, "a", 5), testNote(t, "b", 5)
	if err := c.Toggle(a); err != nil {
		t.Fatal(err)
	}
	if err := c.Toggle(b); err != nil {
		t.Fatal(err)
	}

	if got := ctx.open(); got != 1 {
		t.Errorf("open handles = %d, want 1", got)
	}
	if st := c.State(); st.ActiveID != "b" {
		t.Errorf("active = %q, want b", st.ActiveID)
	}
	if playing, known := sink.playing("a"); !known || playing {
		t.Errorf("a control: playing=%v known=%v, want reset to paused", playing, known)
	}
	if playing, _ := sink.playing("b"); !playing {
		t.Error("b control not showing playing")
	}
	if !ctx.handles[0].isClosed() {
		t.Error("handle for a not released")
	}
}

func TestToggleSameNotePausesInPlace(t *testing.T) {
	ctx := newCountingContext()
	sink := newRecordingSink()
	c := New(ctx, sink)
	defer c.Stop()

	a := testNote(t, "a", 5)
	c.Toggle(a)
	c.Toggle(a)
	st := c.State()
	if !st.Paused || st.ActiveID != "a" {
		t.Fatalf("state = %+v, want a paused", st)
	}
	if playing, _ := sink.playing("a"); playing {
		t.Error("control still shows playing after pause")
	}

	c.Toggle(a)
	if c.State().Paused {
		t.Error("still paused after second toggle")
	}
	if n := len(ctx.handles); n != 1 {
		t.Errorf("handles created = %d, want 1", n)
	}
}

func TestSeekOnInactiveNoteIsNoop(t *testing.T) {
	c := New(newCountingContext(), newRecordingSink())
	defer c.Stop()

	a := testNote(t, "a", 5)
	c.Toggle(a)
	c.Toggle(a) // pause so the position holds still
	c.Seek("a", 0.5)
	before := c.State().Position

	c.Seek("b", 0.9)
	if got := c.State().Position; got != before {
		t.Errorf("position moved from %v to %v on seek of inactive note", before, got)
	}
	if c.State().ActiveID != "a" {
		t.Error("seek changed the active note")
	}
}

func TestSeekMapsFraction(t *testing.T) {
	sink := newRecordingSink()
	c := New(newCountingContext(), sink)
	defer c.Stop()

	a := testNote(t, "a", 4)
	c.Toggle(a)
	c.Toggle(a)

	c.Seek("a", 0.25)
	if got := c.State().Position; got != time.Second {
		t.Errorf("position = %v, want 1s", got)
	}
	c.Seek("a", 3)
	if got := c.State().Position; got != 4*time.Second {
		t.Errorf("position = %v, want clamp to 4s", got)
	}
	ev, ok := sink.lastProgress()
	if !ok || ev.id != "a" || ev.pos != 4*time.Second {
		t.Errorf("last progress = %+v", ev)
	}
}

func TestNaturalEndResetsProgress(t *testing.T) {
	ctx := newCountingContext()
	sink := newRecordingSink()
	c := New(ctx, sink)
	c.interval = 10 * time.Millisecond

	if err := c.Toggle(testNote(t, "a", 0.1)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "end of media", func() bool { return !c.State().Active() })

	if playing, _ := sink.playing("a"); playing {
		t.Error("control still shows playing after end")
	}
	ev, _ := sink.lastProgress()
	if ev.id != "a" || ev.pos != 0 || ev.dur != 100*time.Millisecond {
		t.Errorf("final progress = %+v, want a at 0 of 100ms", ev)
	}
	if got := ctx.open(); got != 0 {
		t.Errorf("open handles after end = %d", got)
	}
}

func TestProgressReported(t *testing.T) {
	sink := newRecordingSink()
	c := New(newCountingContext(), sink)
	c.interval = 10 * time.Millisecond
	defer c.Stop()

	c.Toggle(testNote(t, "a", 2))
	waitFor(t, "advancing progress", func() bool {
		ev, ok := sink.lastProgress()
		return ok && ev.pos > 0 && ev.dur == 2*time.Second
	})
}

func TestStopIfActive(t *testing.T) {
	ctx := newCountingContext()
	c := New(ctx, newRecordingSink())

	c.Toggle(testNote(t, "a", 5))
	c.StopIfActive("b")
	if !c.State().Active() {
		t.Fatal("StopIfActive stopped a different note")
	}
	c.StopIfActive("a")
	if c.State().Active() {
		t.Error("a still active")
	}
	if ctx.open() != 0 {
		t.Error("handle not released")
	}
}

func TestToggleWithoutAudio(t *testing.T) {
	c := New(newCountingContext(), nil)
	if err := c.Toggle(notes.Note{ID: "empty"}); !errors.Is(err, ErrNoAudio) {
		t.Errorf("Toggle = %v, want ErrNoAudio", err)
	}
	if c.State().Active() {
		t.Error("note without audio became active")
	}
}

func TestFormatting(t *testing.T) {
	if got := FormatProgress(65*time.Second, 125*time.Second); got != "01:05 / 02:05" {
		t.Errorf("FormatProgress = %q", got)
	}
	if got := FormatClock(-time.Second); got != "00:00" {
		t.Errorf("FormatClock(-1s) = %q", got)
	}
	if got := Fill(time.Second, 4*time.Second); got != 0.25 {
		t.Errorf("Fill = %v", got)
	}
	if got := Fill(time.Second, 0); got != 0 {
		t.Errorf("Fill with zero duration = %v", got)
	}
	if got := Bar(time.Second, 2*time.Second, 4); got != "━━──" {
		t.Errorf("Bar = %q", got)
	}
	if got := FractionAt(9, 10); got != 1 {
		t.Errorf("FractionAt(9,10) = %v", got)
	}
	if got := FractionAt(-3, 10); got != 0 {
		t.Errorf("FractionAt(-3,10) = %v", got)
	}
}
