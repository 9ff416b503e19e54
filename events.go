package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"voicenotes/beep"
	"voicenotes/session"
	"voicenotes/settings"
	"voicenotes/visualizer"
)

// Messages delivered to the TUI from controller goroutines.
type SessionMsg struct{ Snapshot session.Snapshot }
type FrameMsg struct{ Frame visualizer.Frame }
type PlayStateMsg struct {
	NoteID  string
	Playing bool
}
type ProgressMsg struct {
	NoteID             string
	Position, Duration time.Duration
}
type SettingsMsg struct{ Settings settings.Settings }

// programSink forwards controller callbacks to the running TUI program.
// Send blocks until the program reads the message and returns at once
// after the program has exited.
type programSink struct{ p *tea.Program }

func (s programSink) SessionChanged(snap session.Snapshot) { s.p.Send(SessionMsg{Snapshot: snap}) }

func (s programSink) Frame(f visualizer.Frame) { s.p.Send(FrameMsg{Frame: f}) }

func (s programSink) PlayState(id string, playing bool) {
	s.p.Send(PlayStateMsg{NoteID: id, Playing: playing})
}

func (s programSink) Progress(id string, pos, dur time.Duration) {
	s.p.Send(ProgressMsg{NoteID: id, Position: pos, Duration: dur})
}

func (s programSink) SettingsChanged(cfg settings.Settings) { s.p.Send(SettingsMsg{Settings: cfg}) }

// cueSink plays the start, end and error cues as the session changes phase,
// then passes the snapshot on. It is only called from the session's event
// loop.
type cueSink struct {
	next  session.Sink
	cues  *beep.Player
	phase session.Phase
	err   error
}

func (c *cueSink) SessionChanged(s session.Snapshot) {
	switch {
	case c.phase != session.Recording && s.Phase == session.Recording:
		c.cues.PlayStart()
	case c.phase == session.Recording && s.Phase != session.Recording:
		c.cues.PlayEnd()
	case s.Err != nil && c.err == nil:
		c.cues.PlayError()
	}
	c.phase = s.Phase
	c.err = s.Err
	c.next.SessionChanged(s)
}
