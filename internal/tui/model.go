package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/studiowebux/stompload/internal/loadtest"
)

// pollInterval is how often the harness progress is sampled
const pollInterval = 100 * time.Millisecond

// ProgressSource is what the view polls; *loadtest.Harness implements it
type ProgressSource interface {
	Progress() loadtest.Progress
}

type tickMsg time.Time

type runFinishedMsg struct {
	result *loadtest.Result
	err    error
}

// Model is the progress view state
type Model struct {
	scenario string
	source   ProgressSource
	cancel   context.CancelFunc

	spinner  spinner.Model
	progress loadtest.Progress

	width    int
	stopping bool
	done     bool
	result   *loadtest.Result
	err      error
}

// New creates a view for source; cancel is called when the user stops the run
func New(scenario string, source ProgressSource, cancel context.CancelFunc) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleTitle

	return Model{
		scenario: scenario,
		source:   source,
		cancel:   cancel,
		spinner:  s,
		width:    80,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, poll())
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.stopping && !m.done {
				m.stopping = true
				if m.cancel != nil {
					m.cancel()
				}
			}
		}
		return m, nil

	case tickMsg:
		if m.done {
			return m, nil
		}
		m.progress = m.source.Progress()
		return m, poll()

	case runFinishedMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		m.progress = m.source.Progress()
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	return m.render()
}
