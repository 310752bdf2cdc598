// Package ui renders replay progress in the terminal.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"trapdump/internal/fault"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	outcomeStyle = map[Status]lipgloss.Style{
		StatusDone:        lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		StatusIntercepted: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		StatusError:       lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	}
)

const labelWidth = 12

// row is the state of one capture.
type row struct {
	path   string
	status Status
	phase  int // index into fault.Phases of the phase reached, -1 before any
}

func (r row) finished() bool {
	return r.status == StatusDone || r.status == StatusIntercepted || r.status == StatusError
}

func (r row) fraction() float64 {
	if r.finished() {
		return 1
	}
	return float64(r.phase+1) / float64(len(fault.Phases)+1)
}

func (r row) label() string {
	switch r.status {
	case StatusDone:
		return "terminated"
	case StatusIntercepted:
		return "intercepted"
	case StatusError:
		return "error"
	case StatusWorking:
		if r.phase >= 0 {
			return string(fault.Phases[r.phase])
		}
	}
	return "queued"
}

type replayModel struct {
	title   string
	events  <-chan Event
	spinner spinner.Model
	bar     progress.Model
	rows    []row
	byPath  map[string]int
	width   int
	done    bool
}

type eventMsg Event
type closedMsg struct{}

// NewProgressModel returns a Bubble Tea model showing, for every capture,
// which report phase it has reached. It quits once events is closed.
func NewProgressModel(title string, captures []string, events <-chan Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = activeStyle

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 76

	m := &replayModel{
		title:   title,
		events:  events,
		spinner: sp,
		bar:     bar,
		rows:    make([]row, len(captures)),
		byPath:  make(map[string]int, len(captures)),
		width:   80,
	}
	for i, c := range captures {
		m.rows[i] = row{path: c, phase: -1}
		m.byPath[c] = i
	}
	return m
}

func (m *replayModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

func (m *replayModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.apply(Event(msg)), m.next())
	case closedMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.bar.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *replayModel) View() string {
	if len(m.rows) == 0 {
		return ""
	}
	finished := 0
	for _, r := range m.rows {
		if r.finished() {
			finished++
		}
	}

	var b strings.Builder
	lead := m.spinner.View()
	if m.done {
		lead = "✓"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s %s %d/%d", lead, m.title, finished, len(m.rows))))
	b.WriteString("\n\n")

	pathWidth := max(m.width-labelWidth-len(fault.Phases)-6, 20)
	for _, r := range m.rows {
		b.WriteString("  ")
		b.WriteString(phaseDots(r))
		b.WriteString(" ")
		b.WriteString(labelStyle(r).Render(fmt.Sprintf("%-*s", labelWidth, r.label())))
		b.WriteString(" ")
		b.WriteString(truncate(r.path, pathWidth))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.bar.ViewAs(1))
	} else {
		b.WriteString(m.bar.View())
	}
	b.WriteString("\n")
	return b.String()
}

// phaseDots draws one mark per report phase, filled up to the phase reached.
func phaseDots(r row) string {
	reached := r.phase
	if r.finished() && r.status != StatusError {
		reached = len(fault.Phases) - 1
	}
	var sb strings.Builder
	for i := range fault.Phases {
		if i <= reached {
			sb.WriteString(activeStyle.Render("●"))
		} else {
			sb.WriteString(pendingStyle.Render("○"))
		}
	}
	return sb.String()
}

func labelStyle(r row) lipgloss.Style {
	if s, ok := outcomeStyle[r.status]; ok {
		return s
	}
	if r.status == StatusWorking {
		return activeStyle
	}
	return pendingStyle
}

func (m *replayModel) next() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *replayModel) apply(ev Event) tea.Cmd {
	i, ok := m.byPath[ev.Capture]
	if !ok {
		return nil
	}
	r := &m.rows[i]
	r.status = ev.Status
	if ev.Phase != "" {
		for j, p := range fault.Phases {
			if p == ev.Phase {
				r.phase = j
			}
		}
	}
	return m.bar.SetPercent(m.percent())
}

func (m *replayModel) percent() float64 {
	if len(m.rows) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range m.rows {
		sum += r.fraction()
	}
	return sum / float64(len(m.rows))
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
