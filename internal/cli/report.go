package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/studiowebux/stompload/internal/filter"
	"github.com/studiowebux/stompload/internal/loadtest"
	"gopkg.in/yaml.v3"
)

var (
	styleHeading = lipgloss.NewStyle().Bold(true)
	styleSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleError   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	styleWarning = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleSubtle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// maxMissingShown caps the ids listed per phase in text output
const maxMissingShown = 10

// FormatReport renders a run result as text, json or yaml
func FormatReport(result *loadtest.Result, format string) (string, error) {
	switch format {
	case "json", "yaml":
		return marshal(result, format)
	}

	var sb strings.Builder

	sb.WriteString(styleHeading.Render(fmt.Sprintf("Scenario: %s", result.Scenario)) + "\n")
	sb.WriteString(fmt.Sprintf("URL: %s | Destination: %s\n", result.URL, result.Destination))
	sb.WriteString(fmt.Sprintf("Users: %d | Messages: %d | Producers: %d\n",
		result.Users, result.Messages, result.Producers))
	sb.WriteString(statusStyle(result.Status).Render(strings.ToUpper(result.Status)))
	sb.WriteString(fmt.Sprintf(" in %s\n", formatDuration(result.Duration())))

	sb.WriteString("\nPhases:\n")
	for _, p := range result.Phases {
		mark := styleSuccess.Render("ok")
		if p.Error != "" {
			mark = styleError.Render("FAILED")
		}
		sb.WriteString(fmt.Sprintf("  %-18s %-6s %6dms  %d/%d\n", p.Name, mark, p.DurationMs, p.Completed, p.Expected))
		if p.Error != "" {
			sb.WriteString(styleSubtle.Render("    "+p.Error) + "\n")
		}
		if len(p.Missing) > 0 {
			ids := make([]string, 0, maxMissingShown)
			for i, m := range p.Missing {
				if i == maxMissingShown {
					ids = append(ids, fmt.Sprintf("... %d more", len(p.Missing)-maxMissingShown))
					break
				}
				ids = append(ids, m.String())
			}
			sb.WriteString(styleWarning.Render("    missing: "+strings.Join(ids, ", ")) + "\n")
		}
	}

	sb.WriteString(fmt.Sprintf("\nDeliveries: %d/%d\n", result.Delivered, result.ExpectedDeliveries))
	sb.WriteString(fmt.Sprintf("Throughput: %.1f msg/s\n", result.ThroughputPerSec))
	l := result.Latency
	sb.WriteString(fmt.Sprintf("Latency: min %dms | avg %.1fms | p50 %dms | p95 %dms | p99 %dms | max %dms\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max))

	if result.Error != "" {
		sb.WriteString("\n" + styleError.Render("Error: "+result.Error) + "\n")
	}

	return sb.String(), nil
}

// FormatRuns renders the run history as a table, json or yaml
func FormatRuns(runs []*loadtest.Run, format string) (string, error) {
	switch format {
	case "json", "yaml":
		if runs == nil {
			runs = []*loadtest.Run{}
		}
		return marshal(runs, format)
	}

	if len(runs) == 0 {
		return "No runs recorded\n", nil
	}

	var sb strings.Builder
	sb.WriteString(styleHeading.Render(fmt.Sprintf("%-5s %-20s %-10s %-19s %15s %10s %8s",
		"ID", "SCENARIO", "STATUS", "STARTED", "DELIVERED", "MSG/S", "P95")) + "\n")
	for _, r := range runs {
		status := statusStyle(r.Status).Render(fmt.Sprintf("%-10s", r.Status))
		// A run still marked running has no final throughput or latency
		throughput, p95 := "-", "-"
		if r.IsCompleted() {
			throughput = fmt.Sprintf("%.1f", r.ThroughputPerSec)
			p95 = fmt.Sprintf("%dms", r.P95LatencyMs)
		}
		sb.WriteString(fmt.Sprintf("%-5d %-20s %s %-19s %15s %10s %8s\n",
			r.ID,
			truncate(r.ScenarioName, 20),
			status,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%d/%d", r.Delivered, r.ExpectedDeliveries),
			throughput,
			p95))
	}
	return sb.String(), nil
}

// FormatRun renders one stored run with its phases
func FormatRun(run *loadtest.Run, format string) (string, error) {
	switch format {
	case "json", "yaml":
		return marshal(run, format)
	}

	var sb strings.Builder
	sb.WriteString(styleHeading.Render(fmt.Sprintf("Run #%d: %s", run.ID, run.ScenarioName)) + "\n")
	sb.WriteString(fmt.Sprintf("URL: %s | Destination: %s\n", run.URL, run.Destination))
	sb.WriteString(fmt.Sprintf("Users: %d | Messages: %d | Producers: %d\n", run.Users, run.Messages, run.Producers))
	sb.WriteString("Status: " + statusStyle(run.Status).Render(run.Status) + "\n")
	sb.WriteString(fmt.Sprintf("Started: %s\n", run.StartedAt.Local().Format(time.RFC3339)))
	switch {
	case run.IsRunning():
		sb.WriteString(styleWarning.Render(fmt.Sprintf("Still running after %s", formatDuration(time.Since(run.StartedAt)))) + "\n")
	case run.CompletedAt != nil:
		sb.WriteString(fmt.Sprintf("Duration: %s\n", formatDuration(run.CompletedAt.Sub(run.StartedAt))))
	}

	if len(run.Phases) > 0 {
		sb.WriteString("\nPhases:\n")
		for _, p := range run.Phases {
			sb.WriteString(fmt.Sprintf("  %-18s %6dms  %d/%d\n", p.Name, p.DurationMs, p.Completed, p.Expected))
			if p.ErrorMessage != "" {
				sb.WriteString(styleSubtle.Render("    "+p.ErrorMessage) + "\n")
			}
			if p.Missing != "" {
				sb.WriteString(styleWarning.Render("    missing: "+p.Missing) + "\n")
			}
		}
	}

	sb.WriteString(fmt.Sprintf("\nDeliveries: %d/%d\n", run.Delivered, run.ExpectedDeliveries))
	sb.WriteString(fmt.Sprintf("Throughput: %.1f msg/s\n", run.ThroughputPerSec))
	sb.WriteString(fmt.Sprintf("Latency: min %dms | avg %.1fms | p50 %dms | p95 %dms | p99 %dms | max %dms\n",
		run.MinLatencyMs, run.AvgLatencyMs, run.P50LatencyMs, run.P95LatencyMs, run.P99LatencyMs, run.MaxLatencyMs))

	if run.ErrorMessage != "" {
		sb.WriteString("\n" + styleError.Render("Error: "+run.ErrorMessage) + "\n")
	}
	return sb.String(), nil
}

// Project applies JMESPath filter and query expressions to the JSON form of v
func Project(v interface{}, filterExpr, queryExpr string) (string, error) {
	data, err := marshal(v, "json")
	if err != nil {
		return "", err
	}
	out, err := filter.Apply(data, filterExpr, queryExpr)
	if err != nil {
		return "", err
	}
	return out + "\n", nil
}

// ValidateProjection checks filter and query expressions before any work starts
func ValidateProjection(filterExpr, queryExpr string) error {
	if filterExpr != "" && !filter.IsValidJMESPath(filterExpr) {
		return fmt.Errorf("invalid filter expression: %s", filterExpr)
	}
	if queryExpr != "" && !filter.IsValidJMESPath(queryExpr) {
		return fmt.Errorf("invalid query expression: %s", queryExpr)
	}
	return nil
}

func marshal(v interface{}, format string) (string, error) {
	if format == "yaml" {
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case loadtest.StatusCompleted:
		return styleSuccess
	case loadtest.StatusFailed:
		return styleError
	default:
		return styleWarning
	}
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
