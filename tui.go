package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"voxrec/clipboard"
	"voxrec/record"
	"voxrec/voice"
)

type tickMsg time.Time
type saveDoneMsg struct{ err error }
type refreshDoneMsg struct{ err error }

const (
	maxActivity  = 6
	maxTimeline  = 8
	requestLimit = 15 * time.Second
)

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

// tuiSend is safe to call before the program exists; messages sent then
// are dropped.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

var (
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
	valueStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	editedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	cursorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	cancelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true)
	waitStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	transStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246")).Bold(true)
	panelBorder  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
	supersededSt = lipgloss.NewStyle().Foreground(lipgloss.Color("238")).Strikethrough(true)
)

type tuiModel struct {
	pane    *recordPane
	ctrl    *voice.Controller
	cfg     voice.Config
	sub     *record.Subscription
	level   func() float64
	binding string
	server  string
	device  string

	state      voice.State
	cancelling bool
	recStart   time.Time
	recSecs    float64
	audioLevel float64
	transcript string
	final      bool
	processing string
	silence    bool

	status    string
	statusErr bool
	activity  []string
	busy      string

	cursor  int
	editing bool
	input   []rune

	width, height int
}

func newTUIModel(a *app) tuiModel {
	return tuiModel{
		pane:    a.pane,
		ctrl:    a.ctrl,
		cfg:     a.voiceCfg,
		sub:     a.events.Subscribe(),
		level:   a.capture.Level,
		binding: a.binding.String(),
		server:  a.server,
		device:  a.deviceName,
	}
}

func NewTUIProgram(m tuiModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) recording() bool {
	return m.state == voice.StateConnecting || m.state == voice.StateRecording
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateKeys(msg)

	case tickMsg:
		if m.state == voice.StateRecording {
			m.recSecs = time.Since(m.recStart).Seconds()
			m.audioLevel = m.audioLevel*0.6 + m.level()*0.4
		}
		for _, ev := range m.sub.Get() {
			m.addActivity(describeEvent(ev))
		}
		return m, tuiTick()

	case voiceStateMsg:
		if msg.State == voice.StateRecording && m.state != voice.StateRecording {
			m.recStart = time.Now()
			m.recSecs = 0
			m.audioLevel = 0
		}
		if msg.State == voice.StateConnecting {
			m.transcript, m.final, m.processing, m.status = "", false, "", ""
		}
		m.state = msg.State
		m.cancelling = msg.Cancelling

	case transcriptMsg:
		m.transcript = msg.Text
		m.final = msg.Final

	case processingMsg:
		m.processing = msg.Text

	case silenceMsg:
		m.silence = msg.Active

	case finishedMsg:
		m.silence = false
		m.processing = ""
		m.status, m.statusErr = outcomeLine(msg.Outcome)

	case saveDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.status, m.statusErr = "save failed: "+msg.err.Error(), true
		} else {
			m.status, m.statusErr = "saved", false
		}

	case refreshDoneMsg:
		m.busy = ""
		if msg.err != nil {
			m.status, m.statusErr = "refresh failed: "+msg.err.Error(), true
		} else {
			m.status, m.statusErr = "refreshed", false
		}
	}
	return m, nil
}

func (m tuiModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "esc":
		// Stands in for dragging the finger away while the hotkey is held.
		if m.recording() {
			if m.cancelling {
				m.ctrl.Drag(0)
			} else {
				m.ctrl.Drag(m.cfg.CancelDistance)
			}
		}
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.pane.fields)-1 {
			m.cursor++
		}
	case "e", "enter":
		m.editing = true
		m.input = []rune(m.pane.Draft().Get(m.pane.fields[m.cursor]))
	case "s":
		if m.busy != "" {
			return m, nil
		}
		if !m.pane.HasDraftChanges() {
			m.status, m.statusErr = "nothing to save", false
			return m, nil
		}
		m.busy = "saving"
		pane := m.pane
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
			defer cancel()
			return saveDoneMsg{err: pane.SubmitSave(ctx)}
		}
	case "r":
		if m.busy != "" {
			return m, nil
		}
		m.busy = "refreshing"
		pane := m.pane
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
			defer cancel()
			return refreshDoneMsg{err: pane.Refresh(ctx)}
		}
	case "y":
		if err := clipboard.Copy(m.pane.summary()); err != nil {
			m.status, m.statusErr = "copy failed: "+err.Error(), true
		} else {
			m.status, m.statusErr = "record copied to clipboard", false
		}
	case "t":
		if m.transcript == "" {
			return m, nil
		}
		if err := clipboard.Copy(m.transcript); err != nil {
			m.status, m.statusErr = "copy failed: "+err.Error(), true
		} else {
			m.status, m.statusErr = "transcript copied to clipboard", false
		}
	}
	return m, nil
}

func (m tuiModel) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.editing = false
	case tea.KeyEnter:
		m.pane.Draft().Set(m.pane.fields[m.cursor], string(m.input))
		m.editing = false
	case tea.KeyBackspace:
		if len(m.input) > 0 {
			m.input = m.input[:len(m.input)-1]
		}
	case tea.KeyCtrlU:
		m.input = m.input[:0]
	case tea.KeySpace:
		m.input = append(m.input, ' ')
	case tea.KeyRunes:
		m.input = append(m.input, msg.Runes...)
	}
	return m, nil
}

func (m *tuiModel) addActivity(line string) {
	if line == "" {
		return
	}
	m.activity = append(m.activity, time.Now().Format("15:04:05")+" "+line)
	if len(m.activity) > maxActivity {
		m.activity = m.activity[len(m.activity)-maxActivity:]
	}
}

func describeEvent(ev record.Event) string {
	switch ev.Type {
	case record.EventRevisionCommitted:
		return "revision: " + ev.Reason
	case record.EventRecordDeleted:
		return "record deleted"
	case record.EventRecordUpdated:
		return "record updated"
	}
	return ""
}

func outcomeLine(out voice.Outcome) (string, bool) {
	switch out.Result {
	case voice.ResultUpdated:
		msg := out.Message
		if msg == "" {
			msg = "record updated"
		}
		return "✓ " + msg, false
	case voice.ResultCancelled:
		return "cancelled", false
	case voice.ResultDiscarded:
		return out.Message, false
	}
	return "✗ " + out.Alert(), true
}

func levelBar(level float64, width int) string {
	n := int(level * 40 * float64(width))
	if n > width {
		n = width
	}
	if n < 0 {
		n = 0
	}
	return strings.Repeat("▮", n) + strings.Repeat("▯", width-n)
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	leftWidth := max(40, m.width/2)
	rightWidth := max(20, m.width-leftWidth-4)

	var left []string
	snap := m.pane.Snapshot()
	title := fmt.Sprintf("%s %s", m.pane.Kind(), snap.Meta.RemoteID)
	if !snap.Meta.Synced() {
		title += " (not synced)"
	}
	left = append(left, titleStyle.Render(title), "")

	draft := m.pane.Draft().Values()
	for i, f := range m.pane.fields {
		cursor := "  "
		if i == m.cursor {
			cursor = cursorStyle.Render("› ")
		}
		val := draft.Get(f)
		style := valueStyle
		if val != snap.Values.Get(f) {
			style = editedStyle
		}
		if m.editing && i == m.cursor {
			val = string(m.input) + "█"
			style = cursorStyle
		}
		left = append(left, cursor+labelStyle.Render(m.pane.label(f))+style.Render(val))
	}
	if m.pane.HasDraftChanges() {
		left = append(left, "", editedStyle.Render("unsaved changes (s to save)"))
	}

	left = append(left, "")
	left = append(left, m.voiceLines(leftWidth)...)

	if m.status != "" {
		st := okStyle
		if m.statusErr {
			st = errStyle
		}
		left = append(left, "")
		for _, line := range wrapText(m.status, leftWidth-2) {
			left = append(left, st.Render(line))
		}
	}
	if m.busy != "" {
		left = append(left, waitStyle.Render(m.busy+"..."))
	}

	right := []string{titleStyle.Render("Revisions")}
	right = append(right, m.timelineLines(rightWidth)...)
	if len(m.activity) > 0 {
		right = append(right, "", titleStyle.Render("Activity"))
		for _, a := range m.activity {
			right = append(right, dimStyle.Render(truncate(a, rightWidth)))
		}
	}
	right = append(right, "", dimStyle.Render("server: "+m.server), dimStyle.Render("mic: "+m.device))

	help := keyStyle.Render(m.binding) + helpStyle.Render(" hold to talk  ") +
		keyStyle.Render("esc") + helpStyle.Render(" cancel  ") +
		keyStyle.Render("e") + helpStyle.Render(" edit  ") +
		keyStyle.Render("s") + helpStyle.Render(" save  ") +
		keyStyle.Render("r") + helpStyle.Render(" refresh  ") +
		keyStyle.Render("y") + helpStyle.Render(" copy  ") +
		keyStyle.Render("q") + helpStyle.Render(" quit  ") +
		helpStyle.Render("voxrec "+version)

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		panelBorder.Width(leftWidth).Render(strings.Join(left, "\n")),
		panelBorder.Width(rightWidth).Render(strings.Join(right, "\n")),
	)
	return body + "\n" + help
}

func (m tuiModel) voiceLines(width int) []string {
	var lines []string
	switch m.state {
	case voice.StateIdle:
		lines = append(lines, dimStyle.Render("○ ready"))
	case voice.StatePressing:
		lines = append(lines, dimStyle.Render("◌ keep holding..."))
	case voice.StateConnecting:
		lines = append(lines, waitStyle.Render("◌ connecting..."))
	case voice.StateRecording:
		lines = append(lines, recStyle.Render(fmt.Sprintf("● REC %.1fs ", m.recSecs))+levelBar(m.audioLevel, 12))
		if m.silence {
			lines = append(lines, cancelStyle.Render("  ⚠ no voice detected"))
		}
	case voice.StateAwaitingResult:
		msg := "waiting for the server"
		if m.processing != "" {
			msg = m.processing
		}
		lines = append(lines, waitStyle.Render("◐ "+msg+"..."))
	case voice.StateExiting:
		lines = append(lines, dimStyle.Render("◌ cancelling..."))
	}
	if m.cancelling && m.recording() {
		lines = append(lines, cancelStyle.Render("  release to cancel (esc to keep)"))
	}
	if m.transcript != "" {
		st := transStyle
		if !m.final {
			st = dimStyle
		}
		for _, line := range wrapText(m.transcript, width-2) {
			lines = append(lines, st.Render(line))
		}
	}
	return lines
}

func (m tuiModel) timelineLines(width int) []string {
	revs := m.pane.History()
	if len(revs) == 0 {
		return []string{dimStyle.Render("no revisions yet")}
	}
	var lines []string
	start := max(0, len(revs)-maxTimeline)
	for i := len(revs) - 1; i >= start; i-- {
		r := revs[i]
		changed := record.Diff(m.pane.fields, r.Old.Values, r.New.Values)
		labels := make([]string, len(changed))
		for j, f := range changed {
			labels[j] = m.pane.label(f)
		}
		line := fmt.Sprintf("%s %s", r.CreatedAt.Format("Jan 02 15:04"), r.Reason)
		if len(labels) > 0 {
			line += " [" + strings.Join(labels, ", ") + "]"
		}
		line = truncate(line, width)
		if r.Superseded {
			lines = append(lines, supersededSt.Render(line))
		} else {
			lines = append(lines, valueStyle.Render(line))
		}
	}
	return lines
}

func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 1 || len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
