package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"voicenotes/audio"
	"voicenotes/beep"
	"voicenotes/notes"
	"voicenotes/playback"
	"voicenotes/session"
	"voicenotes/visualizer"
)

func testNotes() []notes.Note {
	now := time.Now()
	return []notes.Note{
		{ID: "n3", Title: "Groceries", CreatedAt: now},
		{ID: "n2", Title: "Standup", Transcription: "ship it", CreatedAt: now.Add(-time.Hour)},
		{ID: "n1", Title: "grocery list v1", CreatedAt: now.Add(-2 * time.Hour)},
	}
}

func newTestModel(t *testing.T) tuiModel {
	t.Helper()
	a := &app{vis: visualizer.NewLoop(discardSink{}, 0, 0)}
	t.Cleanup(a.vis.Stop)
	m := newTUIModel(a)
	m.width = 80
	m.height = 24
	return m
}

func runeKey(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m tuiModel, msg tea.Msg) (tuiModel, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(tuiModel), cmd
}

func TestNewTUIModel(t *testing.T) {
	m := newTestModel(t)
	if m.mode != modeBrowse {
		t.Errorf("mode = %v, want browse", m.mode)
	}
	if m.snap.Phase != session.Idle {
		t.Errorf("phase = %v, want idle", m.snap.Phase)
	}
	if m.active != "" {
		t.Errorf("active = %q, want none", m.active)
	}
}

func TestWindowResizeUpdatesVisualizer(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 30})
	if m.width != 100 || m.height != 30 {
		t.Fatalf("size = %dx%d", m.width, m.height)
	}
	want := visualizer.SurfaceFor(100, visRows)
	if got := m.app.vis.Geometry(); got != want {
		t.Errorf("geometry = %+v, want %+v", got, want)
	}
}

func TestReviewEntersTitleMode(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{Phase: session.Recording}})
	if m.mode != modeBrowse {
		t.Fatalf("mode = %v while recording, want browse", m.mode)
	}

	m.title = "stale"
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{
		Phase:   session.Reviewing,
		Pending: &session.Artifact{DefaultTitle: "Note 1"},
	}})
	if m.mode != modeTitle {
		t.Fatalf("mode = %v, want title", m.mode)
	}
	if m.title != "Note 1" {
		t.Errorf("title = %q, want the suggested name", m.title)
	}

	m, _ = update(t, m, runeKey("Ideas"))
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeySpace})
	m, _ = update(t, m, runeKey("x"))
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	if m.title != "Ideas " {
		t.Errorf("title = %q, want %q", m.title, "Ideas ")
	}

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Error("enter should return a save command")
	}

	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{Phase: session.Idle}})
	if m.mode != modeBrowse {
		t.Errorf("mode = %v after save, want browse", m.mode)
	}
}

func TestSuggestedTitleSavedOnEnter(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{
		Phase:   session.Reviewing,
		Pending: &session.Artifact{DefaultTitle: "Note du 01/03/2024 09:30"},
	}})
	if !strings.Contains(m.View(), "Note du 01/03/2024 09:30") {
		t.Errorf("view does not show the suggested title:\n%s", m.View())
	}

	// Enter saves what is shown.
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd == nil {
		t.Fatal("enter should return a save command")
	}
	if m.title != "Note du 01/03/2024 09:30" {
		t.Errorf("title sent on enter = %q, want the suggestion", m.title)
	}

	// Backspace on the untouched suggestion clears it.
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	if m.title != "" {
		t.Errorf("title = %q after backspace, want empty", m.title)
	}
	m, _ = update(t, m, runeKey("ab"))
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyBackspace})
	if m.title != "a" {
		t.Errorf("title = %q, want normal editing after the first key", m.title)
	}
}

func TestTranscribingShownDuringReview(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{
		Phase:   session.Reviewing,
		Pending: &session.Artifact{DefaultTitle: "n", Transcribing: true},
	}})
	if !strings.Contains(m.View(), "Transcribing...") {
		t.Errorf("view:\n%s", m.View())
	}
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{
		Phase:   session.Reviewing,
		Pending: &session.Artifact{DefaultTitle: "n", Transcript: "buy milk"},
	}})
	if v := m.View(); strings.Contains(v, "Transcribing...") || !strings.Contains(v, "buy milk") {
		t.Errorf("view:\n%s", v)
	}
}

func TestSpaceIgnoredWhileTyping(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{Phase: session.Reviewing}})

	// Space edits the title instead of starting a recording.
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeySpace})
	if m.title != " " {
		t.Errorf("title = %q", m.title)
	}
}

func TestCursorMovement(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, notesMsg{notes: testNotes()})

	for range 5 {
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	}
	if m.cursor != 2 {
		t.Errorf("cursor = %d, want clamped to 2", m.cursor)
	}
	m, _ = update(t, m, runeKey("k"))
	if m.cursor != 1 {
		t.Errorf("cursor = %d after k, want 1", m.cursor)
	}

	// A shorter list clamps the cursor.
	m, _ = update(t, m, notesMsg{notes: testNotes()[:1]})
	if m.cursor != 0 {
		t.Errorf("cursor = %d after relist, want 0", m.cursor)
	}
}

func TestSearchFiltersByTitle(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, notesMsg{notes: testNotes()})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})

	m, _ = update(t, m, runeKey("/"))
	if m.mode != modeSearch {
		t.Fatalf("mode = %v, want search", m.mode)
	}
	m, _ = update(t, m, runeKey("GROC"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want reset to 0", m.cursor)
	}
	v := m.visible()
	if len(v) != 2 || v[0].ID != "n3" || v[1].ID != "n1" {
		t.Fatalf("visible = %+v, want n3 and n1", v)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.mode != modeBrowse || m.query != "GROC" {
		t.Errorf("enter: mode=%v query=%q, want browse with filter kept", m.mode, m.query)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.query != "" || len(m.visible()) != 3 {
		t.Errorf("esc should clear the filter, query=%q", m.query)
	}
}

func TestSearchNoMatch(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, notesMsg{notes: testNotes()})
	m.query = "zzz"
	if _, ok := m.selected(); ok {
		t.Error("nothing should be selected")
	}
	// Keys that act on the selected note do nothing.
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil {
		t.Error("enter with no selection should not return a command")
	}
}

func TestPlaybackTracking(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, notesMsg{notes: testNotes()})

	m, _ = update(t, m, PlayStateMsg{NoteID: "n2", Playing: true})
	if m.active != "n2" {
		t.Fatalf("active = %q, want n2", m.active)
	}
	m, _ = update(t, m, ProgressMsg{NoteID: "n2", Position: time.Second, Duration: 4 * time.Second})
	if m.progress.pos != time.Second || m.progress.dur != 4*time.Second {
		t.Errorf("progress = %+v", m.progress)
	}

	// Stale progress from another note is ignored.
	m, _ = update(t, m, ProgressMsg{NoteID: "n1", Position: 3 * time.Second, Duration: 5 * time.Second})
	if m.progress.pos != time.Second {
		t.Errorf("progress for inactive note applied: %+v", m.progress)
	}

	// Pausing keeps the note active.
	m, _ = update(t, m, PlayStateMsg{NoteID: "n2", Playing: false})
	if m.active != "n2" {
		t.Errorf("active = %q after pause, want n2", m.active)
	}

	// Natural end: stopped, then rewound.
	m, _ = update(t, m, ProgressMsg{NoteID: "n2", Position: 0, Duration: 4 * time.Second})
	if m.active != "" {
		t.Errorf("active = %q after end, want none", m.active)
	}
}

func TestSwitchingNotesResetsProgress(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, PlayStateMsg{NoteID: "n1", Playing: true})
	m, _ = update(t, m, ProgressMsg{NoteID: "n1", Position: 2 * time.Second, Duration: 4 * time.Second})

	m, _ = update(t, m, PlayStateMsg{NoteID: "n1", Playing: false})
	m, _ = update(t, m, PlayStateMsg{NoteID: "n2", Playing: true})
	if m.active != "n2" {
		t.Fatalf("active = %q, want n2", m.active)
	}
	if m.progress != (noteProgress{}) {
		t.Errorf("progress = %+v, want reset", m.progress)
	}
	if m.playing["n1"] {
		t.Error("n1 should show play")
	}
}

func TestSeekOnlyForActiveNote(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, notesMsg{notes: testNotes()})

	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRight}); cmd != nil {
		t.Error("seek on a note that is not playing should be ignored")
	}
	if _, cmd := update(t, m, runeKey("5")); cmd != nil {
		t.Error("digit seek on a note that is not playing should be ignored")
	}

	m, _ = update(t, m, PlayStateMsg{NoteID: "n3", Playing: true})
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRight}); cmd == nil {
		t.Error("seek on the active note should return a command")
	}
}

func TestRemoveNote(t *testing.T) {
	store, err := notes.NewFileStore(filepath.Join(t.TempDir(), notes.FileName))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for _, n := range testNotes() {
		if err := store.Append(n); err != nil {
			t.Fatal(err)
		}
	}

	m := newTestModel(t)
	m.app.store = store
	m.app.player = playback.New(audio.NewFakeContextPCM(nil, false), nil)
	ns, _ := store.List()
	m, _ = update(t, m, notesMsg{notes: ns})
	m.active = ns[0].ID

	m, cmd := update(t, m, runeKey("x"))
	if cmd == nil {
		t.Fatal("x should return a remove command")
	}
	if m.active != "" {
		t.Errorf("active = %q, want cleared", m.active)
	}

	res := cmd()
	msg, ok := res.(notesMsg)
	if !ok {
		t.Fatalf("remove returned %T, want notesMsg", res)
	}
	if msg.err != nil {
		t.Fatal(msg.err)
	}
	if len(msg.notes) != 2 {
		t.Fatalf("notes = %d, want 2", len(msg.notes))
	}
	for _, n := range msg.notes {
		if n.ID == ns[0].ID {
			t.Errorf("%s still listed", n.ID)
		}
	}

	m, _ = update(t, m, msg)
	if want := fmt.Sprintf("Removed %q", ns[0].Title); m.status != want {
		t.Errorf("status = %q", m.status)
	}
}

func TestSaveFailureKeepsReview(t *testing.T) {
	m := newTestModel(t)
	m, _ = update(t, m, SessionMsg{Snapshot: session.Snapshot{Phase: session.Reviewing}})
	m, _ = update(t, m, savedMsg{err: errors.New("disk full")})
	if m.mode != modeTitle {
		t.Errorf("mode = %v, want title", m.mode)
	}
	if m.status != "Error: could not save note: disk full" {
		t.Errorf("status = %q", m.status)
	}
}

func TestChatInput(t *testing.T) {
	m := newTestModel(t)
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.mode != modeChat || cmd == nil {
		t.Fatalf("tab: mode=%v cmd=%v, want chat and a history load", m.mode, cmd)
	}

	// Empty input is not sent.
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("enter with empty input should not send")
	}

	m, _ = update(t, m, runeKey("what did I say?"))
	m, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("enter should send")
	}
	if !m.chatBusy || m.chatInput != "" {
		t.Errorf("busy=%v input=%q", m.chatBusy, m.chatInput)
	}
	if len(m.turns) != 1 || m.turns[0].Content != "what did I say?" {
		t.Fatalf("turns = %+v", m.turns)
	}

	// A second send waits for the reply.
	m, _ = update(t, m, runeKey("again"))
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter}); cmd != nil {
		t.Error("send while busy should be ignored")
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.mode != modeBrowse {
		t.Errorf("mode = %v, want browse", m.mode)
	}
}

func TestViewBeforeSize(t *testing.T) {
	m := newTUIModel(&app{})
	if got := m.View(); got != "Loading..." {
		t.Errorf("View() = %q", got)
	}
}

func TestEditLine(t *testing.T) {
	tests := []struct {
		in   string
		key  tea.KeyMsg
		want string
	}{
		{"ab", runeKey("c"), "abc"},
		{"ab", tea.KeyMsg{Type: tea.KeySpace}, "ab "},
		{"ab", tea.KeyMsg{Type: tea.KeyBackspace}, "a"},
		{"", tea.KeyMsg{Type: tea.KeyBackspace}, ""},
		{"café", tea.KeyMsg{Type: tea.KeyBackspace}, "caf"},
		{"ab", tea.KeyMsg{Type: tea.KeyUp}, "ab"},
	}
	for _, tt := range tests {
		if got := editLine(tt.in, tt.key); got != tt.want {
			t.Errorf("editLine(%q, %v) = %q, want %q", tt.in, tt.key, got, tt.want)
		}
	}
}

func TestWrapText(t *testing.T) {
	tests := []struct {
		text  string
		width int
		want  []string
	}{
		{"", 10, []string{""}},
		{"short", 10, []string{"short"}},
		{"hello world foo", 11, []string{"hello world", "foo"}},
		{"hello world foo", 8, []string{"hello", "world", "foo"}},
		{"abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"héllo wörld", 6, []string{"héllo", "wörld"}},
	}
	for _, tt := range tests {
		got := wrapText(tt.text, tt.width)
		if len(got) != len(tt.want) {
			t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("wrapText(%q, %d) = %q, want %q", tt.text, tt.width, got, tt.want)
				break
			}
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("hello", 10); got != "hello" {
		t.Errorf("got %q", got)
	}
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("got %q", got)
	}
}

// cueContext records the clips played through it.
type cueContext struct {
	*audio.FakeContext

	mu    sync.Mutex
	clips []int
}

func (c *cueContext) NewPlayback(samples []int16, cfg audio.CaptureConfig) (audio.PlaybackHandle, error) {
	c.mu.Lock()
	c.clips = append(c.clips, len(samples))
	c.mu.Unlock()
	return c.FakeContext.NewPlayback(samples, cfg)
}

func TestCueSink(t *testing.T) {
	actx := &cueContext{FakeContext: audio.NewFakeContextPCM(nil, false)}
	cues := beep.New(actx)

	var got []session.Phase
	sink := &cueSink{
		next: session.SinkFunc(func(s session.Snapshot) { got = append(got, s.Phase) }),
		cues: cues,
	}

	steps := []session.Snapshot{
		{Phase: session.Recording},
		{Phase: session.Recording, Elapsed: time.Second},
		{Phase: session.Reviewing},
		{Phase: session.Idle, Err: errors.New("mic gone")},
		{Phase: session.Idle, Err: errors.New("mic gone")},
	}
	for _, s := range steps {
		sink.SessionChanged(s)
		cues.Wait(2 * time.Second)
	}

	if len(got) != len(steps) {
		t.Fatalf("forwarded %d snapshots, want %d", len(got), len(steps))
	}
	actx.mu.Lock()
	defer actx.mu.Unlock()
	// start, end, error; each a different clip.
	if len(actx.clips) != 3 {
		t.Fatalf("played %d cues, want 3: %v", len(actx.clips), actx.clips)
	}
	if !(actx.clips[0] < actx.clips[1] && actx.clips[1] < actx.clips[2]) {
		t.Errorf("cue lengths %v, want start < end < error", actx.clips)
	}
}
