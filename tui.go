package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	colorful "github.com/lucasb-eyer/go-colorful"

	"voicenotes/chat"
	"voicenotes/clipboard"
	"voicenotes/log"
	"voicenotes/notes"
	"voicenotes/playback"
	"voicenotes/session"
	"voicenotes/visualizer"
)

type tuiMode int

const (
	modeBrowse tuiMode = iota
	modeSearch
	modeTitle
	modeChat
)

const (
	visRows    = 6
	seekStep   = 0.1
	ageRefresh = 30 * time.Second
	barWidth   = 30
)

var background = colorful.Color{R: 0.07, G: 0.07, B: 0.09}

// TUI-internal results of commands.
type notesMsg struct {
	notes  []notes.Note
	err    error
	status string
}
type savedMsg struct {
	note notes.Note
	err  error
}
type chatMsg struct {
	turns []chat.Turn
	err   error
}
type statusMsg string
type ageTickMsg time.Time

type noteProgress struct{ pos, dur time.Duration }

type tuiModel struct {
	app           *app
	width, height int
	mode          tuiMode

	snap  session.Snapshot
	frame visualizer.Frame
	title string // name typed for the recording under review
	// titleFresh is set while title still holds the suggested name; the
	// first edit replaces it.
	titleFresh bool

	all      []notes.Note // store order, newest first
	query    string
	cursor   int
	active   string // note whose playback is started or paused
	playing  map[string]bool
	progress noteProgress

	chatInput string
	turns     []chat.Turn
	chatBusy  bool

	status string
	now    time.Time
}

var (
	titleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
	recStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	hintStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	boldHelp      = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("231")).Background(lipgloss.Color("60"))
	textStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	interimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("141"))
	userStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
	botStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true)
)

func newTUIModel(a *app) tuiModel {
	return tuiModel{
		app:     a,
		snap:    session.Snapshot{Phase: session.Idle, Hint: session.HintIdle},
		playing: map[string]bool{},
		now:     time.Now(),
	}
}

func ageTick() tea.Cmd {
	return tea.Tick(ageRefresh, func(t time.Time) tea.Msg { return ageTickMsg(t) })
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.listCmd(""), m.chatTurnsCmd(), ageTick())
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		g := visualizer.SurfaceFor(m.width, visRows)
		m.app.vis.Resize(g.Width, g.Height)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case SessionMsg:
		prev := m.snap.Phase
		m.snap = msg.Snapshot
		switch {
		case m.snap.Phase == session.Reviewing && prev != session.Reviewing:
			m.mode = modeTitle
			m.title = ""
			if p := m.snap.Pending; p != nil {
				m.title = p.DefaultTitle
			}
			m.titleFresh = m.title != ""
		case m.snap.Phase != session.Reviewing && m.mode == modeTitle:
			m.mode = modeBrowse
		}

	case FrameMsg:
		m.frame = msg.Frame

	case PlayStateMsg:
		m.playing[msg.NoteID] = msg.Playing
		if msg.Playing && msg.NoteID != m.active {
			m.active = msg.NoteID
			m.progress = noteProgress{}
		}

	case ProgressMsg:
		if msg.NoteID != m.active {
			break
		}
		m.progress = noteProgress{pos: msg.Position, dur: msg.Duration}
		// Rewound after reaching the end.
		if msg.Position == 0 && !m.playing[msg.NoteID] {
			m.active = ""
		}

	case SettingsMsg:
		m.status = "Settings reloaded"

	case notesMsg:
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			break
		}
		m.all = msg.notes
		m.cursor = min(m.cursor, max(0, len(m.visible())-1))
		if msg.status != "" {
			m.status = msg.status
		}

	case savedMsg:
		if msg.err != nil {
			m.status = "Error: could not save note: " + msg.err.Error()
			break
		}
		m.query = ""
		m.cursor = 0
		return m, m.listCmd(fmt.Sprintf("Saved %q", msg.note.Title))

	case chatMsg:
		m.chatBusy = false
		if msg.turns != nil || msg.err == nil {
			m.turns = msg.turns
		}
		if msg.err != nil {
			m.status = m.app.chat.Status()
		}

	case statusMsg:
		m.status = string(msg)

	case ageTickMsg:
		m.now = time.Time(msg)
		return m, ageTick()
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	switch m.mode {
	case modeTitle:
		return m.handleTitleKey(msg)
	case modeSearch:
		return m.handleSearchKey(msg)
	case modeChat:
		return m.handleChatKey(msg)
	}

	m.status = ""
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case " ":
		return m, m.toggleCmd()
	case "up", "k":
		m.cursor = max(0, m.cursor-1)
	case "down", "j":
		m.cursor = min(m.cursor+1, max(0, len(m.visible())-1))
	case "/":
		m.mode = modeSearch
	case "esc":
		m.query = ""
		m.cursor = 0
	case "tab":
		m.mode = modeChat
		return m, m.chatTurnsCmd()
	}

	n, ok := m.selected()
	if !ok {
		return m, nil
	}
	switch key := msg.String(); key {
	case "enter", "p":
		return m, m.playCmd(n)
	case "s":
		m.active = ""
		return m, m.stopPlaybackCmd()
	case "left", "right":
		if n.ID != m.active {
			return m, nil
		}
		f := playback.Fill(m.progress.pos, m.progress.dur)
		if key == "left" {
			f -= seekStep
		} else {
			f += seekStep
		}
		return m, m.seekCmd(n.ID, f)
	case "0", "1", "2", "3", "4", "5", "6", "7", "8", "9":
		if n.ID != m.active {
			return m, nil
		}
		return m, m.seekCmd(n.ID, playback.FractionAt(int(key[0]-'0'), 10))
	case "d":
		return m, m.exportCmd(n)
	case "c":
		return m, m.copyCmd(n)
	case "x", "delete":
		if n.ID == m.active {
			m.active = ""
		}
		return m, m.removeCmd(n)
	}
	return m, nil
}

func (m tuiModel) handleTitleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		return m, m.saveCmd(m.title)
	case tea.KeyEsc:
		return m, m.discardCmd()
	case tea.KeyCtrlP:
		return m, m.previewCmd()
	}
	if m.titleFresh {
		m.titleFresh = false
		switch msg.Type {
		case tea.KeyBackspace, tea.KeySpace, tea.KeyRunes:
			m.title = ""
		}
	}
	m.title = editLine(m.title, msg)
	return m, nil
}

func (m tuiModel) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.mode = modeBrowse
		return m, nil
	case tea.KeyEsc:
		m.mode = modeBrowse
		m.query = ""
		m.cursor = 0
		return m, nil
	}
	m.query = editLine(m.query, msg)
	m.cursor = 0
	return m, nil
}

func (m tuiModel) handleChatKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc, tea.KeyTab:
		m.mode = modeBrowse
		return m, nil
	case tea.KeyCtrlL:
		return m, m.clearChatCmd()
	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput)
		if text == "" || m.chatBusy {
			return m, nil
		}
		m.chatBusy = true
		m.chatInput = ""
		m.status = ""
		m.turns = append(m.turns, chat.Turn{Role: chat.RoleUser, Content: text, CreatedAt: time.Now()})
		return m, m.sendChatCmd(text)
	}
	m.chatInput = editLine(m.chatInput, msg)
	return m, nil
}

// editLine applies a key press to a single-line input.
func editLine(s string, msg tea.KeyMsg) string {
	switch msg.Type {
	case tea.KeyBackspace:
		if r := []rune(s); len(r) > 0 {
			return string(r[:len(r)-1])
		}
	case tea.KeySpace:
		return s + " "
	case tea.KeyRunes:
		return s + string(msg.Runes)
	}
	return s
}

func (m tuiModel) visible() []notes.Note {
	return notes.Filter(m.all, m.query)
}

func (m tuiModel) selected() (notes.Note, bool) {
	v := m.visible()
	if m.cursor < 0 || m.cursor >= len(v) {
		return notes.Note{}, false
	}
	return v[m.cursor], true
}

// Commands. Controllers are only called from here, never from Update.

func (m tuiModel) toggleCmd() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		if err := a.session.Toggle(a.ctx); err != nil && !errors.Is(err, session.ErrClosed) {
			log.Warnf("toggle: %v", err)
		}
		return nil
	}
}

func (m tuiModel) saveCmd(title string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		n, err := a.session.Save(a.ctx, title)
		return savedMsg{note: n, err: err}
	}
}

func (m tuiModel) discardCmd() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		if err := a.session.Discard(a.ctx); err != nil {
			return statusMsg("Error: " + err.Error())
		}
		return statusMsg("Recording discarded")
	}
}

func (m tuiModel) previewCmd() tea.Cmd {
	a := m.app
	return func() tea.Msg {
		if _, err := a.session.Preview(a.ctx); err != nil {
			return statusMsg("Error: " + err.Error())
		}
		return nil
	}
}

func (m tuiModel) listCmd(status string) tea.Cmd {
	store := m.app.store
	return func() tea.Msg {
		ns, err := store.List()
		return notesMsg{notes: ns, err: err, status: status}
	}
}

func (m tuiModel) playCmd(n notes.Note) tea.Cmd {
	player := m.app.player
	return func() tea.Msg {
		if err := player.Toggle(n); err != nil {
			return statusMsg("Error: cannot play note: " + err.Error())
		}
		return nil
	}
}

func (m tuiModel) stopPlaybackCmd() tea.Cmd {
	player := m.app.player
	return func() tea.Msg {
		player.Stop()
		return nil
	}
}

func (m tuiModel) seekCmd(id string, fraction float64) tea.Cmd {
	player := m.app.player
	return func() tea.Msg {
		player.Seek(id, fraction)
		return nil
	}
}

func (m tuiModel) exportCmd(n notes.Note) tea.Cmd {
	dir := m.app.exportDir
	return func() tea.Msg {
		path, err := notes.Export(n, dir)
		if err != nil {
			return statusMsg("Error: export failed: " + err.Error())
		}
		return statusMsg("Exported to " + path)
	}
}

func (m tuiModel) copyCmd(n notes.Note) tea.Cmd {
	return func() tea.Msg {
		if !n.HasTranscript() {
			return statusMsg("This note has no transcript")
		}
		if err := clipboard.Copy(n.Transcription); err != nil {
			return statusMsg("Error: " + err.Error())
		}
		return statusMsg("Transcript copied")
	}
}

func (m tuiModel) removeCmd(n notes.Note) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		a.player.StopIfActive(n.ID)
		if err := a.store.Remove(n.ID); err != nil {
			return statusMsg("Error: " + err.Error())
		}
		log.NoteRemoved(n.ID)
		ns, err := a.store.List()
		return notesMsg{notes: ns, err: err, status: fmt.Sprintf("Removed %q", n.Title)}
	}
}

func (m tuiModel) sendChatCmd(text string) tea.Cmd {
	a := m.app
	return func() tea.Msg {
		_, err := a.chat.Send(a.ctx, text)
		turns, terr := a.chat.Turns()
		if err == nil {
			err = terr
		}
		return chatMsg{turns: turns, err: err}
	}
}

func (m tuiModel) chatTurnsCmd() tea.Cmd {
	sc := m.app.chat
	return func() tea.Msg {
		turns, err := sc.Turns()
		return chatMsg{turns: turns, err: err}
	}
}

func (m tuiModel) clearChatCmd() tea.Cmd {
	sc := m.app.chat
	return func() tea.Msg {
		if err := sc.Clear(); err != nil {
			return chatMsg{err: err}
		}
		return chatMsg{turns: []chat.Turn{}}
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.headerView() + "\n")
	b.WriteString(visualizer.Render(m.frame, m.width, visRows, background) + "\n")
	b.WriteString(m.sessionView() + "\n\n")

	used := strings.Count(b.String(), "\n") + 3
	if m.mode == modeChat {
		b.WriteString(m.chatView(m.height - used))
	} else {
		b.WriteString(m.notesView(m.height - used))
	}

	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	for len(lines) < m.height-2 {
		lines = append(lines, "")
	}
	lines = lines[:min(len(lines), m.height-2)]
	lines = append(lines, m.statusView(), m.helpView())
	return strings.Join(lines, "\n")
}

func (m tuiModel) headerView() string {
	left := titleStyle.Render("voicenotes")
	var right string
	switch m.snap.Phase {
	case session.Recording:
		right = recStyle.Render("● REC " + playback.FormatClock(m.snap.Elapsed))
	case session.Reviewing:
		right = hintStyle.Render("■ " + playback.FormatClock(m.snap.Elapsed))
	default:
		right = dimStyle.Render("○ STANDBY")
	}
	gap := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(right))
	return left + strings.Repeat(" ", gap) + right
}

func (m tuiModel) sessionView() string {
	var lines []string
	hint := hintStyle
	if m.snap.Err != nil {
		hint = warnStyle
	}
	lines = append(lines, hint.Render(m.snap.Hint))

	switch m.snap.Phase {
	case session.Recording:
		final := strings.TrimSpace(m.snap.Transcript)
		live := final
		if m.snap.Interim != "" {
			live = strings.TrimSpace(final + " " + interimStyle.Render(m.snap.Interim))
		}
		if live != "" {
			lines = append(lines, textStyle.Render(truncate(live, m.width*2)))
		}
	case session.Reviewing:
		if p := m.snap.Pending; p != nil {
			switch {
			case strings.TrimSpace(p.Transcript) != "":
				lines = append(lines, textStyle.Render(truncate(p.Transcript, m.width*2)))
			case p.Transcribing:
				lines = append(lines, dimStyle.Render("Transcribing..."))
			default:
				lines = append(lines, dimStyle.Render(chat.UnavailableMarker))
			}
		}
		input := m.title + "█"
		if m.titleFresh {
			input = selectedStyle.Render(m.title) + "█"
		}
		lines = append(lines, "Title: "+input)
	}
	return strings.Join(lines, "\n")
}

func (m tuiModel) notesView(height int) string {
	v := m.visible()
	var b strings.Builder

	header := fmt.Sprintf("Notes (%d)", len(m.all))
	if m.query != "" || m.mode == modeSearch {
		cursor := ""
		if m.mode == modeSearch {
			cursor = "█"
		}
		header += fmt.Sprintf("  search: %s%s  (%d match)", m.query, cursor, len(v))
	}
	b.WriteString(dimStyle.Render(header) + "\n")

	if len(v) == 0 {
		if len(m.all) == 0 {
			b.WriteString(dimStyle.Render("No notes yet. Press space to record one."))
		} else {
			b.WriteString(dimStyle.Render("No note matches."))
		}
		return b.String()
	}

	detail := 4
	rows := max(1, height-detail-2)
	first := max(0, m.cursor-rows+1)
	for i := first; i < len(v) && i < first+rows; i++ {
		n := v[i]
		icon := "▶"
		if m.playing[n.ID] {
			icon = "⏸"
		}
		line := fmt.Sprintf("%s %s", icon, n.Title)
		meta := fmt.Sprintf("%s  %s", notes.FormatAge(n.CreatedAt, m.now), playback.FormatClock(n.Length()))
		gap := max(1, m.width-2-lipgloss.Width(line)-lipgloss.Width(meta))
		row := line + strings.Repeat(" ", gap) + dimStyle.Render(meta)
		if i == m.cursor {
			row = selectedStyle.Render(line) + strings.Repeat(" ", gap) + meta
		}
		b.WriteString("  " + row + "\n")

		if n.ID == m.active {
			p := m.progress
			b.WriteString("    " + barStyle.Render(playback.Bar(p.pos, p.dur, barWidth)) + " " +
				dimStyle.Render(playback.FormatProgress(p.pos, p.dur)) + "\n")
		}
	}

	if n, ok := m.selected(); ok {
		b.WriteString("\n")
		if n.HasTranscript() {
			lines := wrapText(n.Transcription, m.width-4)
			for _, line := range lines[:min(detail, len(lines))] {
				b.WriteString("  " + textStyle.Render(line) + "\n")
			}
		} else {
			b.WriteString("  " + dimStyle.Render(chat.UnavailableMarker) + "\n")
		}
	}
	return b.String()
}

func (m tuiModel) chatView(height int) string {
	var lines []string
	for _, t := range m.turns {
		who := userStyle.Render("you")
		if t.Role == chat.RoleAssistant {
			who = botStyle.Render("assistant")
		}
		lines = append(lines, who)
		for _, l := range wrapText(t.Content, m.width-4) {
			lines = append(lines, "  "+l)
		}
	}
	if m.chatBusy {
		lines = append(lines, dimStyle.Render("thinking..."))
	}
	if len(m.turns) == 0 && !m.chatBusy {
		lines = append(lines, dimStyle.Render("Ask a question about your notes."))
	}
	rows := max(1, height-2)
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	lines = append(lines, "", "> "+m.chatInput+"█")
	return strings.Join(lines, "\n")
}

func (m tuiModel) statusView() string {
	if m.status == "" {
		return ""
	}
	if strings.HasPrefix(m.status, "Error") {
		return warnStyle.Render(m.status)
	}
	return okStyle.Render(m.status)
}

func (m tuiModel) helpView() string {
	key := func(k, what string) string { return boldHelp.Render(k) + helpStyle.Render(" "+what) }
	var parts []string
	switch m.mode {
	case modeTitle:
		parts = []string{key("enter", "save"), key("esc", "discard"), key("ctrl+p", "preview")}
	case modeSearch:
		parts = []string{key("enter", "keep filter"), key("esc", "clear")}
	case modeChat:
		parts = []string{key("enter", "send"), key("ctrl+l", "clear"), key("esc", "back")}
	default:
		parts = []string{
			key("space", "record"), key("enter", "play"), key("←/→", "seek"),
			key("/", "search"), key("d", "export"), key("c", "copy"),
			key("x", "delete"), key("tab", "chat"), key("q", "quit"),
		}
	}
	return strings.Join(parts, helpStyle.Render("  ")) + helpStyle.Render("   "+version)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	r := []rune(text)
	var lines []string
	for len(r) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if r[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, string(r[:splitAt]))
		r = []rune(strings.TrimLeft(string(r[splitAt:]), " "))
	}
	if len(r) > 0 {
		lines = append(lines, string(r))
	}
	return lines
}
