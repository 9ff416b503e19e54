package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"voicenotes/audio"
	"voicenotes/beep"
	"voicenotes/log"
	"voicenotes/session"
	"voicenotes/settings"
	"voicenotes/visualizer"
)

// testContext remembers the most recent capture so the stdin driver can
// wait on or unplug it.
type testContext struct {
	*audio.FakeContext

	mu   sync.Mutex
	last *audio.FakeCapture
}

func (c *testContext) NewCapture(dev *audio.DeviceInfo, cfg audio.CaptureConfig) (audio.CaptureDevice, error) {
	capture, err := c.FakeContext.NewCapture(dev, cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.last = capture.(*audio.FakeCapture)
	c.mu.Unlock()
	return capture, nil
}

func (c *testContext) capture() *audio.FakeCapture {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// headless prints controller callbacks as lines on out and wakes anyone
// blocked in waitFor.
type headless struct {
	out io.Writer

	mu      sync.Mutex
	snap    session.Snapshot
	playing map[string]bool
	changed chan struct{}
}

func newHeadless(out io.Writer) *headless {
	return &headless{
		out:     out,
		snap:    session.Snapshot{Phase: session.Idle, Hint: session.HintIdle},
		playing: make(map[string]bool),
		changed: make(chan struct{}),
	}
}

// notify must be called with h.mu held.
func (h *headless) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *headless) SessionChanged(s session.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Phase != h.snap.Phase {
		fmt.Fprintf(h.out, "STATE %s\n", s.Phase)
	}
	if s.Hint != h.snap.Hint && s.Hint != "" {
		fmt.Fprintf(h.out, "HINT %s\n", s.Hint)
	}
	if s.Err != nil && h.snap.Err == nil {
		fmt.Fprintf(h.out, "ERROR %v\n", s.Err)
	}
	if p := s.Pending; s.Phase == session.Reviewing && p != nil {
		switch {
		case h.snap.Phase != session.Reviewing && p.Transcribing:
			fmt.Fprintf(h.out, "REVIEW duration=%.1fs chunks=%d transcribing\n", p.Duration.Seconds(), p.Chunks)
		case h.snap.Phase != session.Reviewing:
			fmt.Fprintf(h.out, "REVIEW duration=%.1fs chunks=%d transcript=%q\n", p.Duration.Seconds(), p.Chunks, p.Transcript)
		case h.snap.Pending != nil && h.snap.Pending.Transcribing && !p.Transcribing:
			fmt.Fprintf(h.out, "TRANSCRIBED %q\n", p.Transcript)
		}
	}
	h.snap = s
	h.notify()
}

func (h *headless) PlayState(id string, playing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if playing {
		fmt.Fprintf(h.out, "PLAYING %s\n", id)
	} else {
		fmt.Fprintf(h.out, "PAUSED %s\n", id)
	}
	h.playing[id] = playing
	h.notify()
}

func (h *headless) Progress(id string, pos, dur time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pos == 0 && !h.playing[id] {
		fmt.Fprintf(h.out, "ENDED %s\n", id)
		delete(h.playing, id)
		h.notify()
	}
}

func (h *headless) Frame(visualizer.Frame) {}

// waitFor blocks until cond holds, checking it after every callback.
func (h *headless) waitFor(ctx context.Context, timeout time.Duration, cond func(*headless) bool) error {
	deadline := time.After(timeout)
	for {
		h.mu.Lock()
		ok := cond(h)
		ch := h.changed
		h.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-deadline:
			return fmt.Errorf("timed out after %v", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

const testWaitTimeout = 30 * time.Second

// runTestMode drives the session and playback controllers from stdin, with
// the WAV file at wavPath standing in for the microphone. One command per
// line; results are printed on stdout.
func runTestMode(wavPath string) error {
	store, dir, err := openDataStore()
	if err != nil {
		return err
	}
	cfg, _, err := loadSettings()
	if err != nil {
		store.Close()
		return err
	}
	tr, err := newTranscriber()
	if err != nil {
		store.Close()
		return err
	}

	fake, err := audio.NewFakeContext(wavPath, tr != nil)
	if err != nil {
		store.Close()
		return fmt.Errorf("loading WAV: %w", err)
	}
	actx := &testContext{FakeContext: fake}

	cues := beep.New(actx)
	cues.Disable()

	a := &app{
		audio:       actx,
		store:       store,
		transcriber: tr,
		history:     openHistory(dir),
		settings:    settings.NewWatcher("", cfg),
		cues:        cues,
		exportDir:   dir,
	}
	defer a.close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	h := newHeadless(os.Stdout)
	a.start(ctx, sinks{session: h, playback: h, frames: h})

	err = drive(ctx, a, actx, h, os.Stdin)
	stop()
	a.wait()
	return err
}

func drive(ctx context.Context, a *app, actx *testContext, h *headless, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		if cmd == "QUIT" {
			return nil
		}
		if err := runCommand(ctx, a, actx, h, cmd, strings.TrimSpace(arg)); err != nil {
			fmt.Fprintf(h.out, "FAIL %s: %v\n", cmd, err)
			log.Warnf("test command %q: %v", line, err)
		}
	}
	return scanner.Err()
}

func runCommand(ctx context.Context, a *app, actx *testContext, h *headless, cmd, arg string) error {
	switch cmd {
	case "START":
		return a.session.Start(ctx)
	case "STOP":
		return a.session.Stop(ctx)
	case "TOGGLE":
		return a.session.Toggle(ctx)
	case "SAVE":
		n, err := a.session.Save(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.out, "SAVED %s %q duration=%.1fs transcript=%q\n", n.ID, n.Title, n.Duration, n.Transcription)
	case "DISCARD":
		return a.session.Discard(ctx)
	case "PREVIEW":
		p, err := a.session.Preview(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(h.out, "PREVIEW %s\n", p.Duration().Round(100*time.Millisecond))
	case "WAIT_REVIEW":
		return h.waitFor(ctx, testWaitTimeout, func(h *headless) bool {
			return h.snap.Phase == session.Reviewing
		})
	case "WAIT_IDLE":
		return h.waitFor(ctx, testWaitTimeout, func(h *headless) bool {
			return h.snap.Phase == session.Idle
		})
	case "WAIT_AUDIO_DONE":
		c := actx.capture()
		if c == nil {
			return fmt.Errorf("no capture")
		}
		select {
		case <-c.AudioDone():
		case <-ctx.Done():
			return ctx.Err()
		}
	case "UNPLUG":
		c := actx.capture()
		if c == nil {
			return fmt.Errorf("no capture")
		}
		c.EndStream()
	case "PLAY":
		n, err := findNote(a.store, arg)
		if err != nil {
			return err
		}
		return a.player.Toggle(n)
	case "SEEK":
		ref, frac, ok := strings.Cut(arg, " ")
		if !ok {
			return fmt.Errorf("usage: SEEK <note> <fraction>")
		}
		f, err := strconv.ParseFloat(frac, 64)
		if err != nil {
			return err
		}
		n, err := findNote(a.store, ref)
		if err != nil {
			return err
		}
		a.player.Seek(n.ID, f)
		st := a.player.State()
		fmt.Fprintf(h.out, "POSITION %s %s\n", n.ID, st.Position.Round(100*time.Millisecond))
	case "STOP_PLAYBACK":
		a.player.Stop()
	case "WAIT_PLAYBACK":
		return h.waitFor(ctx, testWaitTimeout, func(h *headless) bool {
			for _, playing := range h.playing {
				if playing {
					return false
				}
			}
			return !a.player.State().Active()
		})
	case "LIST":
		ns, err := a.store.List()
		if err != nil {
			return err
		}
		for i, n := range ns {
			fmt.Fprintf(h.out, "NOTE %d %s %q\n", i+1, n.ID, n.Title)
		}
	case "SLEEP":
		ms, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}
