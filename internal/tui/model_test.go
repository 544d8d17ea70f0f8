package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/studiowebux/stompload/internal/loadtest"
)

type fakeSource struct {
	progress loadtest.Progress
}

func (f *fakeSource) Progress() loadtest.Progress {
	return f.progress
}

func TestModel_PollsProgress(t *testing.T) {
	src := &fakeSource{progress: loadtest.Progress{
		Phase:              loadtest.PhaseBroadcast,
		PhaseExpected:      200,
		PhaseCompleted:     50,
		Delivered:          50,
		ExpectedDeliveries: 200,
		Elapsed:            1500 * time.Millisecond,
	}}
	m := New("greetings", src, nil)

	updated, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Error("Expected another poll to be scheduled")
	}
	view := updated.View()

	for _, want := range []string{"greetings", "Phase: broadcast", "Deliveries: 50/200 (25.0%)", "Elapsed: 1.5s"} {
		if !strings.Contains(view, want) {
			t.Errorf("Expected view to contain %q, got:\n%s", want, view)
		}
	}
}

func TestModel_CancelKeyStopsRunOnce(t *testing.T) {
	cancels := 0
	m := New("greetings", &fakeSource{}, func() { cancels++ })

	var model tea.Model = m
	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd != nil {
		t.Error("Cancel should not quit before the run reports back")
	}
	model, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})

	if cancels != 1 {
		t.Errorf("Expected cancel once, got %d", cancels)
	}
	if !model.(Model).stopping {
		t.Error("Expected stopping state")
	}
	if !strings.Contains(model.View(), "Cancelling run") {
		t.Errorf("Expected stopping message, got:\n%s", model.View())
	}
}

func TestModel_RunFinishedQuits(t *testing.T) {
	m := New("greetings", &fakeSource{}, nil)

	result := &loadtest.Result{
		Status:           loadtest.StatusCompleted,
		ThroughputPerSec: 1234.5,
		Latency:          loadtest.LatencySummary{P95: 12},
	}
	updated, cmd := m.Update(runFinishedMsg{result: result})
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg")
	}

	view := updated.View()
	if !strings.Contains(view, "Completed: 1234.5 msg/s, p95 12ms") {
		t.Errorf("Unexpected outcome view:\n%s", view)
	}

	// Polls arriving after the finish are ignored
	if _, cmd := updated.Update(tickMsg(time.Now())); cmd != nil {
		t.Error("Expected no poll after finish")
	}
}

func TestModel_FailedOutcome(t *testing.T) {
	m := New("greetings", &fakeSource{}, nil)

	updated, _ := m.Update(runFinishedMsg{
		result: &loadtest.Result{Status: loadtest.StatusFailed, Error: "subscribe: timed out"},
		err:    errors.New("subscribe: timed out"),
	})
	if !strings.Contains(updated.View(), "Failed: subscribe: timed out") {
		t.Errorf("Unexpected outcome view:\n%s", updated.View())
	}

	updated, _ = m.Update(runFinishedMsg{err: errors.New("already started")})
	if !strings.Contains(updated.View(), "Error: already started") {
		t.Errorf("Unexpected error view:\n%s", updated.View())
	}
}

func TestProgressBar(t *testing.T) {
	tests := []struct {
		done, total, filled int
	}{
		{0, 0, 0},
		{0, 10, 0},
		{5, 10, barWidth / 2},
		{10, 10, barWidth},
		{20, 10, barWidth},
	}
	for _, tt := range tests {
		bar := progressBar(tt.done, tt.total)
		if got := strings.Count(bar, "█"); got != tt.filled {
			t.Errorf("progressBar(%d, %d): expected %d filled, got %d", tt.done, tt.total, tt.filled, got)
		}
		if got := strings.Count(bar, "█") + strings.Count(bar, "░"); got != barWidth {
			t.Errorf("progressBar(%d, %d): expected width %d, got %d", tt.done, tt.total, barWidth, got)
		}
	}
}
