package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"pregen/internal/driver"
)

type progressModel struct {
	title      string
	events     <-chan driver.Event
	spinner    spinner.Model
	prog       progress.Model
	items      []methodItem
	index      map[string]int
	stageLabel string
	width      int
	done       bool
}

// methodItem tracks one planned method. Methods are discovered from their
// queued events, so the list grows as the plan is announced.
type methodItem struct {
	name     string
	status   string
	terminal bool
}

type eventMsg driver.Event
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders compile progress
// from a driver event stream.
func NewProgressModel(title string, events <-chan driver.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76 // Default width

	return &progressModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		index:   make(map[string]int, 16),
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(driver.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
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
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.stageLabel != "" {
		header = fmt.Sprintf("%s (%s)", header, m.stageLabel)
	}
	if total := len(m.items); total > 0 {
		header = fmt.Sprintf("%s %d/%d", header, m.settled(), total)
	}
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 12
	nameWidth := m.width - statusWidth - 4
	if nameWidth < 20 {
		nameWidth = 20
	}

	for _, item := range m.items {
		name := truncate(item.name, nameWidth)
		statusStyled := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		b.WriteString(fmt.Sprintf("  %s %s", statusStyled, name))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *progressModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) applyEvent(ev driver.Event) tea.Cmd {
	if ev.Method == "" {
		if label := stageLabel(ev.Stage); label != "" {
			m.stageLabel = label
		}
		return nil
	}

	idx, ok := m.index[ev.Method]
	if !ok {
		idx = len(m.items)
		m.index[ev.Method] = idx
		m.items = append(m.items, methodItem{name: ev.Method, status: "queued"})
	}
	if label := statusLabel(ev.Status); label != "" {
		m.items[idx].status = label
	}
	m.items[idx].terminal = terminalStatus(ev.Status)

	if len(m.items) == 0 {
		return nil
	}
	total := 0.0
	for _, item := range m.items {
		switch {
		case item.terminal:
			total += 1.0
		case item.status == "compiling":
			total += 0.5
		}
	}
	return m.prog.SetPercent(total / float64(len(m.items)))
}

// settled counts methods that reached a terminal status.
func (m *progressModel) settled() int {
	n := 0
	for _, item := range m.items {
		if item.terminal {
			n++
		}
	}
	return n
}

func terminalStatus(status driver.Status) bool {
	switch status {
	case driver.StatusDone, driver.StatusCached, driver.StatusDeferred,
		driver.StatusStubbed, driver.StatusError:
		return true
	default:
		return false
	}
}

func statusLabel(status driver.Status) string {
	if status == driver.StatusWorking {
		return "compiling"
	}
	return string(status)
}

func stageLabel(stage driver.Stage) string {
	switch stage {
	case driver.StageLoad:
		return "loading fixtures"
	case driver.StageProfile:
		return "reading profile"
	case driver.StageCompile:
		return "compiling"
	default:
		return ""
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done", "cached":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error", "stubbed":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "deferred":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	case "compiling":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
