package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/studiowebux/stompload/internal/loadtest"
)

// Runner is a harness that can be watched while it runs
type Runner interface {
	ProgressSource
	Run(ctx context.Context) (*loadtest.Result, error)
}

// Run executes h while rendering its progress and returns h's outcome
func Run(ctx context.Context, scenario string, h Runner) (*loadtest.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(scenario, h, cancel))

	finished := make(chan runFinishedMsg, 1)
	go func() {
		result, err := h.Run(ctx)
		msg := runFinishedMsg{result: result, err: err}
		finished <- msg
		p.Send(msg)
	}()

	if _, err := p.Run(); err != nil {
		// The harness still has to be stopped and collected
		cancel()
		<-finished
		return nil, fmt.Errorf("error running progress view: %w", err)
	}

	msg := <-finished
	return msg.result, msg.err
}
