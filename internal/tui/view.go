package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/status"
)

const logTailLines = 8

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4CAF50")).MarginBottom(1)
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	selectedLine = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F7B801"))

	statusStyles = map[workflow.Status]lipgloss.Style{
		workflow.StatusPending:  lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC")),
		workflow.StatusBlocked:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true),
		workflow.StatusReady:    lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0")).Bold(true),
		workflow.StatusRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true),
		workflow.StatusComplete: lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true),
		workflow.StatusFailed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		workflow.StatusSkipped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")),
	}
)

// View renders the dashboard.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	sections := []string{a.renderHeader()}
	if a.err != nil {
		sections = append(sections, errorStyle.Render("Cannot reach orchestrator: "+a.err.Error()))
	}
	if a.hasSummary {
		left := lipgloss.JoinVertical(lipgloss.Left,
			a.renderCounts(),
			"",
			a.renderHealth(),
		)
		right := lipgloss.JoinVertical(lipgloss.Left,
			a.renderRunning(),
			"",
			a.renderBlocked(),
		)
		colWidth := max(30, width/2-4)
		sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top,
			panelStyle.Width(colWidth).Render(left),
			panelStyle.Width(colWidth).Render(right),
		))
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := mutedStyle.MarginTop(1).Render(a.statusMsg + "  ·  ↑/↓ select  c cancel  +/- limit  r refresh  q quit")
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderHeader() string {
	title := "⬡ TRELLIS"
	if a.hasSummary {
		switch {
		case a.summary.Drained:
			title += "  drained"
		case len(a.summary.Running) > 0:
			title += "  " + a.spinner.View() + " working"
		}
	}
	return headerStyle.Render(title)
}

func (a *App) renderCounts() string {
	lines := []string{titleStyle.Render("TASKS")}
	for _, st := range workflow.Statuses {
		label := statusStyles[st].Render(fmt.Sprintf("%-9s", st))
		lines = append(lines, fmt.Sprintf("%s %4d", label, a.summary.Counts[st]))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderHealth() string {
	h := a.summary.Health
	persistence := statusStyles[workflow.StatusComplete].Render(h.Persistence)
	if h.Persistence == status.PersistenceDegraded {
		persistence = errorStyle.Render(h.Persistence)
	}
	limit := "unlimited"
	if a.summary.ConcurrencyLimit > 0 {
		limit = fmt.Sprintf("%d", a.summary.ConcurrencyLimit)
	}
	lines := []string{
		titleStyle.Render("HEALTH"),
		"persistence  " + persistence,
		"concurrency  " + limit,
	}
	if !h.LastPersistedAt.IsZero() {
		lines = append(lines, "last saved   "+h.LastPersistedAt.Local().Format("15:04:05"))
	}
	if h.ConsecutiveFailures > 0 {
		lines = append(lines, errorStyle.Render(fmt.Sprintf("%d failed saves: %s", h.ConsecutiveFailures, h.LastError)))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderRunning() string {
	lines := []string{titleStyle.Render(fmt.Sprintf("RUNNING (%d)", len(a.summary.Running)))}
	if len(a.summary.Running) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("No tasks running.")), "\n")
	}
	now := a.summary.GeneratedAt
	for i, task := range a.summary.Running {
		line := fmt.Sprintf("%s  %s  %s", task.ID, mutedStyle.Render(task.Kind), formatElapsed(now.Sub(task.StartedAt)))
		if !task.Attached {
			line += errorStyle.Render(" detached")
		}
		if i == a.selection {
			line = selectedLine.Render("▸ ") + line
		} else {
			line = "  " + line
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderBlocked() string {
	lines := []string{titleStyle.Render(fmt.Sprintf("BLOCKED (%d)", len(a.summary.BlockedChains)))}
	if len(a.summary.BlockedChains) == 0 {
		return strings.Join(append(lines, mutedStyle.Render("Nothing blocked.")), "\n")
	}
	for _, chain := range a.summary.BlockedChains {
		lines = append(lines, fmt.Sprintf("%s ← %s", chain.TaskID, mutedStyle.Render(strings.Join(chain.Outstanding, ", "))))
	}
	return strings.Join(lines, "\n")
}

func (a *App) renderLogPanel() string {
	if a.logbook == nil {
		return ""
	}
	lines, total := a.logbook.Tail(logTailLines)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(a.logbook.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := titleStyle.Render(fmt.Sprintf("LOG · %s (%d)", fileName, total))
	body := lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")).Render(strings.Join(lines, "\n"))
	return panelStyle.Render(fmt.Sprintf("%s\n%s", head, body))
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String()
}
