package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/studiowebux/stompload/internal/loadtest"
)

// Adaptive color definitions for light/dark terminal support
var (
	colorGreen  = lipgloss.AdaptiveColor{Light: "#006400", Dark: "#00ff00"} // Dark green / Bright green
	colorRed    = lipgloss.AdaptiveColor{Light: "#8b0000", Dark: "#ff0000"} // Dark red / Bright red
	colorYellow = lipgloss.AdaptiveColor{Light: "#b8860b", Dark: "#ffff00"} // Dark goldenrod / Yellow
	colorGray   = lipgloss.AdaptiveColor{Light: "#555555", Dark: "#888888"} // Dark gray / Light gray
	colorCyan   = lipgloss.AdaptiveColor{Light: "#008b8b", Dark: "#00ffff"} // Dark cyan / Cyan
)

// Style definitions
var (
	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed)

	styleWarning = lipgloss.NewStyle().
			Foreground(colorYellow)

	styleSubtle = lipgloss.NewStyle().
			Foreground(colorGray)
)

const barWidth = 40

func (m Model) render() string {
	modalWidth := m.width - 4
	if modalWidth > 90 {
		modalWidth = 90
	}
	if modalWidth < 40 {
		modalWidth = 40
	}

	var content strings.Builder
	p := m.progress

	title := fmt.Sprintf("%s Load test: %s", m.spinner.View(), m.scenario)
	if m.done {
		title = "Load test: " + m.scenario
	} else if m.stopping {
		title = fmt.Sprintf("%s Stopping: %s", m.spinner.View(), m.scenario)
	}
	content.WriteString(styleTitle.Render(title) + "\n\n")

	phase := p.Phase
	if phase == "" {
		phase = "starting"
	}
	content.WriteString(fmt.Sprintf("Phase: %s\n", phase))
	content.WriteString(fmt.Sprintf("%s %d/%d\n", progressBar(p.PhaseCompleted, p.PhaseExpected), p.PhaseCompleted, p.PhaseExpected))

	content.WriteString("\n")
	content.WriteString(fmt.Sprintf("Deliveries: %d/%d (%.1f%%)\n", p.Delivered, p.ExpectedDeliveries, percent(p.Delivered, p.ExpectedDeliveries)))
	content.WriteString(progressBar(p.Delivered, p.ExpectedDeliveries) + "\n")
	content.WriteString(fmt.Sprintf("Elapsed: %s\n", formatDuration(p.Elapsed)))

	content.WriteString("\n")
	switch {
	case m.done:
		content.WriteString(m.renderOutcome())
	case m.stopping:
		content.WriteString(styleWarning.Render("Cancelling run, disconnecting sessions..."))
	default:
		content.WriteString(styleSubtle.Render("q/esc: cancel run"))
	}

	modalStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorCyan).
		Padding(1, 2).
		Width(modalWidth)

	return modalStyle.Render(content.String()) + "\n"
}

func (m Model) renderOutcome() string {
	if m.result == nil {
		if m.err != nil {
			return styleError.Render("Error: " + m.err.Error())
		}
		return ""
	}

	switch m.result.Status {
	case loadtest.StatusCompleted:
		return styleSuccess.Render(fmt.Sprintf("Completed: %.1f msg/s, p95 %dms",
			m.result.ThroughputPerSec, m.result.Latency.P95))
	case loadtest.StatusCancelled:
		return styleWarning.Render("Cancelled")
	default:
		return styleError.Render("Failed: " + m.result.Error)
	}
}

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = done * barWidth / total
	}
	if filled > barWidth {
		filled = barWidth
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
}

func percent(done, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
