// Package playback plays stored notes, one at a time.
package playback

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"voicenotes/audio"
	"voicenotes/encoder"
	"voicenotes/internal/loop"
	"voicenotes/log"
	"voicenotes/notes"
)

const ProgressInterval = 200 * time.Millisecond

var ErrNoAudio = errors.New("note has no audio")

// Sink receives the per-note control updates. Calls may come from any
// goroutine and must not call back into the Controller.
type Sink interface {
	// PlayState reports whether the note's control should show pause
	// (playing) or play (stopped or paused).
	PlayState(noteID string, playing bool)
	Progress(noteID string, position, duration time.Duration)
}

type State struct {
	ActiveID string
	Position time.Duration
	Duration time.Duration
	Paused   bool
}

func (s State) Active() bool { return s.ActiveID != "" }

type active struct {
	id     string
	handle audio.PlaybackHandle
	ticker *loop.Task
	quit   chan struct{}
}

type Controller struct {
	audio    audio.Context
	sink     Sink
	interval time.Duration

	mu  sync.Mutex
	cur *active
}

func New(ctx audio.Context, sink Sink) *Controller {
	return &Controller{audio: ctx, sink: sink, interval: ProgressInterval}
}

type notice struct {
	id       string
	playing  bool
	progress bool
	pos, dur time.Duration
}

func (c *Controller) emit(ns ...notice) {
	if c.sink == nil {
		return
	}
	for _, n := range ns {
		if n.progress {
			c.sink.Progress(n.id, n.pos, n.dur)
		} else {
			c.sink.PlayState(n.id, n.playing)
		}
	}
}

// Toggle pauses or resumes n if it is the active note. Otherwise whatever
// is playing is stopped and released before n starts.
func (c *Controller) Toggle(n notes.Note) error {
	c.mu.Lock()
	if cur := c.cur; cur != nil && cur.id == n.ID {
		var out notice
		if cur.handle.Paused() {
			cur.handle.Resume()
			out = notice{id: n.ID, playing: true}
		} else {
			cur.handle.Pause()
			out = notice{id: n.ID, playing: false}
		}
		c.mu.Unlock()
		c.emit(out)
		return nil
	}

	var out []notice
	if prev := c.release(); prev != nil {
		out = append(out, *prev)
	}

	h, err := c.open(n)
	if err != nil {
		c.mu.Unlock()
		c.emit(out...)
		return err
	}
	a := &active{id: n.ID, handle: h, quit: make(chan struct{})}
	c.cur = a
	a.ticker = loop.Start(c.interval, func(time.Time) {
		select {
		case <-a.quit:
			return
		default:
		}
		c.emit(notice{id: a.id, progress: true, pos: h.Position(), dur: h.Duration()})
	})
	go c.monitor(a)
	c.mu.Unlock()

	log.Infof("playback start: %s (%.1fs)", n.ID, h.Duration().Seconds())
	c.emit(append(out, notice{id: n.ID, playing: true})...)
	return nil
}

func (c *Controller) open(n notes.Note) (audio.PlaybackHandle, error) {
	if len(n.AudioData) == 0 {
		return nil, ErrNoAudio
	}
	samples, rate, err := encoder.Decode(n.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", n.ID, err)
	}
	h, err := c.audio.NewPlayback(samples, audio.CaptureConfig{SampleRate: rate, Channels: encoder.Channels})
	if err != nil {
		return nil, fmt.Errorf("opening playback: %w", err)
	}
	if err := h.Start(); err != nil {
		h.Close()
		return nil, fmt.Errorf("starting playback: %w", err)
	}
	return h, nil
}

// monitor stops a at natural end of media and rewinds its control.
func (c *Controller) monitor(a *active) {
	select {
	case <-a.handle.Done():
	case <-a.quit:
		return
	}
	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return
	}
	dur := a.handle.Duration()
	c.release()
	c.mu.Unlock()
	log.Infof("playback end: %s", a.id)
	c.emit(notice{id: a.id, playing: false}, notice{id: a.id, progress: true, pos: 0, dur: dur})
}

// release stops the active handle. The caller holds c.mu. It returns the
// notice resetting the released note's control, if there was one.
func (c *Controller) release() *notice {
	a := c.cur
	if a == nil {
		return nil
	}
	c.cur = nil
	close(a.quit)
	a.ticker.Stop()
	a.handle.Close()
	return &notice{id: a.id, playing: false}
}

// Seek moves the active note to fraction of its length. It is a no-op for
// any other note.
func (c *Controller) Seek(noteID string, fraction float64) {
	c.mu.Lock()
	a := c.cur
	if a == nil || a.id != noteID {
		c.mu.Unlock()
		return
	}
	fraction = max(0, min(1, fraction))
	dur := a.handle.Duration()
	a.handle.Seek(time.Duration(fraction * float64(dur)))
	pos := a.handle.Position()
	c.mu.Unlock()
	c.emit(notice{id: noteID, progress: true, pos: pos, dur: dur})
}

// Stop releases the active playback, if any.
func (c *Controller) Stop() {
	c.mu.Lock()
	out := c.release()
	c.mu.Unlock()
	if out != nil {
		c.emit(*out)
	}
}

// StopIfActive stops playback only when noteID is the active note. Used
// before a note is removed.
func (c *Controller) StopIfActive(noteID string) {
	c.mu.Lock()
	if c.cur == nil || c.cur.id != noteID {
		c.mu.Unlock()
		return
	}
	out := c.release()
	c.mu.Unlock()
	c.emit(*out)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return State{}
	}
	h := c.cur.handle
	return State{
		ActiveID: c.cur.id,
		Position: h.Position(),
		Duration: h.Duration(),
		Paused:   h.Paused(),
	}
}

// FormatProgress renders "mm:ss / mm:ss".
func FormatProgress(pos, dur time.Duration) string {
	return FormatClock(pos) + " / " + FormatClock(dur)
}

func FormatClock(d time.Duration) string {
	s := int(max(0, d).Seconds())
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

// Fill is the proportion of the progress bar to draw, in [0,1].
func Fill(pos, dur time.Duration) float64 {
	if dur <= 0 {
		return 0
	}
	return max(0, min(1, float64(pos)/float64(dur)))
}

// Bar draws a progress bar of width cells.
func Bar(pos, dur time.Duration, width int) string {
	if width <= 0 {
		return ""
	}
	filled := int(Fill(pos, dur)*float64(width) + 0.5)
	return strings.Repeat("━", filled) + strings.Repeat("─", width-filled)
}

// FractionAt maps a column within a bar of width cells to a seek fraction.
func FractionAt(col, width int) float64 {
	if width <= 1 {
		return 0
	}
	return max(0, min(1, float64(col)/float64(width-1)))
}
