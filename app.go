package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"voicenotes/audio"
	"voicenotes/beep"
	"voicenotes/chat"
	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/playback"
	"voicenotes/session"
	"voicenotes/settings"
	"voicenotes/transcriber"
	"voicenotes/visualizer"
)

// app owns the controllers behind one interactive or headless run.
type app struct {
	ctx         context.Context
	audio       audio.Context
	device      *audio.DeviceInfo
	store       notes.Store
	transcriber transcriber.Transcriber
	history     chat.History
	settings    *settings.Watcher
	cues        *beep.Player
	exportDir   string

	session *session.Controller
	player  *playback.Controller
	vis     *visualizer.Loop
	chat    *chat.Sidecar

	sessionDone chan error
}

// sinks receive controller callbacks. Any of them may be nil.
type sinks struct {
	session  session.Sink
	playback playback.Sink
	frames   visualizer.FrameSink
}

func (a *app) provider() string {
	if a.transcriber == nil {
		return "none"
	}
	return a.transcriber.Name()
}

// start builds the controllers around s and runs the session controller
// until ctx ends.
func (a *app) start(ctx context.Context, s sinks) {
	a.ctx = ctx

	var sessionSink session.Sink = session.SinkFunc(func(session.Snapshot) {})
	if s.session != nil {
		sessionSink = s.session
	}
	if a.cues != nil {
		sessionSink = &cueSink{next: sessionSink, cues: a.cues}
	}
	var playbackSink playback.Sink = discardSink{}
	if s.playback != nil {
		playbackSink = s.playback
	}
	var frames visualizer.FrameSink = discardSink{}
	if s.frames != nil {
		frames = s.frames
	}

	a.vis = visualizer.NewLoop(frames, 0, 0)
	a.player = playback.New(a.audio, playbackSink)
	a.chat = chat.New(a.store, a.history, a.settings.Current)
	a.session = session.New(session.Config{
		Audio:       a.audio,
		Device:      a.device,
		Store:       a.store,
		Transcriber: a.transcriber,
		Language:    a.settings.Current().Language,
		Visualizer:  a.vis,
		Sink:        sessionSink,
	})
	a.vis.SetIdle()

	a.sessionDone = make(chan error, 1)
	go func() { a.sessionDone <- a.session.Run(ctx) }()

	log.SessionStart(deviceLabel(a.device), a.provider(), storeLabel(a.store))
}

// wait blocks until the session controller has released everything. The
// context passed to start must already be done.
func (a *app) wait() {
	if a.sessionDone != nil {
		if err := <-a.sessionDone; err != nil {
			log.Errorf("session: %v", err)
		}
	}
	a.player.Stop()
	a.vis.Stop()
	if a.cues != nil {
		a.cues.Wait(500 * time.Millisecond)
	}
}

func (a *app) close() {
	if a.settings != nil {
		a.settings.Stop()
	}
	if a.history != nil {
		a.history.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warnf("closing store: %v", err)
	}
}

type discardSink struct{}

func (discardSink) PlayState(string, bool) {}

func (discardSink) Progress(string, time.Duration, time.Duration) {}

func (discardSink) Frame(visualizer.Frame) {}

func openHistory(dir string) chat.History {
	h, err := chat.OpenSQLite(filepath.Join(dir, chat.HistoryFileName))
	if err != nil {
		log.Warnf("chat history: %v, keeping it in memory", err)
		return chat.NewMemoryHistory()
	}
	return h
}

// newTranscriber returns nil when no provider is configured, so notes are
// saved without a transcript.
func newTranscriber() (transcriber.Transcriber, error) {
	tr, err := transcriber.New(transcriber.ConfigFromEnv())
	if errors.Is(err, transcriber.ErrUnavailable) {
		log.Info("transcription unavailable, no provider key set")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transcriber: %w", err)
	}
	return tr, nil
}

// resolveDevice applies --setup, then the configured device name.
func resolveDevice(ctx audio.Context, name string) *audio.DeviceInfo {
	if setupFlag {
		dev, err := audio.SelectDevice(ctx)
		if err == nil {
			return dev
		}
		if !errors.Is(err, audio.ErrSelectionCancelled) {
			log.Warnf("device selection failed: %v", err)
		}
	}
	dev, err := audio.FindDevice(ctx, name)
	if err != nil {
		log.Warnf("%v, using system default", err)
		return nil
	}
	return dev
}

func deviceLabel(dev *audio.DeviceInfo) string {
	if dev == nil {
		return "system default"
	}
	if audio.IsBluetooth(dev.Name) {
		return dev.Name + " (BT!)"
	}
	return dev.Name
}
