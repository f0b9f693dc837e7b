// Package ui renders flashing progress as a small terminal UI: a progress
// bar, the most recent protocol log lines, and a host stats footer.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	xansi "github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
)

const maxLogLines = 200

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

// ProgressMsg updates the transfer percentage.
type ProgressMsg struct {
	Percent int
}

// AppendLogMsg adds one log line to the viewport.
type AppendLogMsg struct {
	Log string
}

// DoneMsg ends the UI once the action finished.
type DoneMsg struct {
	Err error
}

type statsMsg struct {
	cpu float64
	mem float64
}

// Model is the bubbletea model for one flashing action.
type Model struct {
	Action string

	prog    progress.Model
	percent int
	logs    []string
	width   int

	cpuPercent float64
	memPercent float64

	copied bool
	done   bool
	err    error
}

func NewModel(action string) Model {
	return Model{
		Action: action,
		prog:   progress.New(progress.WithDefaultGradient()),
		width:  80,
	}
}

func (m Model) Init() tea.Cmd {
	return tickStats()
}

func tickStats() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		var s statsMsg
		if pcts, err := psutil.Percent(0, false); err == nil && len(pcts) > 0 {
			s.cpu = pcts[0]
		}
		if vm, err := psmem.VirtualMemory(); err == nil {
			s.mem = vm.UsedPercent
		}
		return s
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "c":
			if err := clipboard.WriteAll(strings.Join(m.logs, "\n")); err == nil {
				m.copied = true
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.prog.Width = msg.Width - 8
		if m.prog.Width > 70 {
			m.prog.Width = 70
		}

	case ProgressMsg:
		m.percent = msg.Percent

	case AppendLogMsg:
		for _, line := range strings.Split(strings.TrimRight(msg.Log, "\n"), "\n") {
			m.logs = append(m.logs, xansi.Strip(line))
		}
		if len(m.logs) > maxLogLines {
			m.logs = m.logs[len(m.logs)-maxLogLines:]
		}

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case statsMsg:
		m.cpuPercent = msg.cpu
		m.memPercent = msg.mem
		return m, tickStats()
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("odinflash — "+m.Action) + "\n\n")
	b.WriteString(fmt.Sprintf("  %s %3d%%\n\n", m.prog.ViewAs(float64(m.percent)/100), m.percent))

	tail := m.logs
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	for _, line := range tail {
		b.WriteString(logStyle.Render("  "+line) + "\n")
	}

	if m.done {
		if m.err != nil {
			b.WriteString("\n" + errStyle.Render("  "+m.err.Error()) + "\n")
		} else {
			b.WriteString("\n" + okStyle.Render("  done") + "\n")
		}
	}

	footer := fmt.Sprintf("  cpu %.0f%%  mem %.0f%%  ·  c copy log  ·  q quit", m.cpuPercent, m.memPercent)
	if m.copied {
		footer += "  ·  copied"
	}
	b.WriteString("\n" + footerStyle.Render(footer) + "\n")

	return b.String()
}

// Err returns the action error the UI finished with.
func (m Model) Err() error {
	return m.err
}
