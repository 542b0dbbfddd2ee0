// internal/tui/app.go
//
// This is the status dashboard for a running orchestrator. It uses
// bubbletea, which follows The Elm Architecture:
//
// 1. Model: the latest status summary plus UI state
// 2. Update: folds refresh results and key presses into the model
// 3. View: renders the model to a string
//
// The dashboard never touches the engine directly; it polls the control API.

package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/trellis/internal/logbook"
	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/status"
)

const (
	defaultRefreshInterval = time.Second
	requestTimeout         = 5 * time.Second
)

// Source supplies status summaries.
type Source interface {
	Status(ctx context.Context) (status.Summary, error)
}

// Controller applies operator actions. It is optional; without one the
// dashboard is read-only.
type Controller interface {
	Cancel(ctx context.Context, id string) (workflow.Task, error)
	SetConcurrency(ctx context.Context, limit int) (int, error)
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithController enables the cancel and limit keys.
func WithController(c Controller) AppOption {
	return func(a *App) {
		a.control = c
	}
}

// WithLogbook shows the tail of the transition journal.
func WithLogbook(book *logbook.Logbook) AppOption {
	return func(a *App) {
		a.logbook = book
	}
}

// WithRefreshInterval overrides how often the status is polled.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.interval = d
		}
	}
}

type statusRefreshMsg struct {
	summary status.Summary
	err     error
	// manual refreshes do not schedule another poll
	manual bool
}

type actionResultMsg struct {
	message string
	err     error
}

// App is the dashboard model. In bubbletea, this holds ALL your state.
type App struct {
	source   Source
	control  Controller
	logbook  *logbook.Logbook
	interval time.Duration

	spinner    spinner.Model
	summary    status.Summary
	hasSummary bool
	err        error
	selection  int
	statusMsg  string

	// Window size (we get this from bubbletea)
	width  int
	height int
}

// NewApp creates the dashboard for source.
func NewApp(source Source, opts ...AppOption) (*App, error) {
	if source == nil {
		return nil, fmt.Errorf("tui: status source is required")
	}
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	a := &App{
		source:    source,
		interval:  defaultRefreshInterval,
		spinner:   s,
		statusMsg: "Connecting...",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetchStatus(false))
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusRefreshMsg:
		if msg.err != nil {
			a.err = msg.err
			a.statusMsg = "Status unavailable"
		} else {
			a.err = nil
			a.summary = msg.summary
			a.hasSummary = true
			a.clampSelection()
			if !msg.manual {
				a.statusMsg = "Updated " + msg.summary.GeneratedAt.Local().Format("15:04:05")
			}
		}
		if msg.manual {
			return a, nil
		}
		return a, a.scheduleRefresh()

	case actionResultMsg:
		if msg.err != nil {
			a.statusMsg = "Error: " + msg.err.Error()
		} else {
			a.statusMsg = msg.message
		}
		return a, a.fetchStatus(true)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.fetchStatus(true)
		case "up", "k":
			if a.selection > 0 {
				a.selection--
			}
		case "down", "j":
			if a.selection < len(a.summary.Running)-1 {
				a.selection++
			}
		case "c":
			return a, a.cancelSelected()
		case "+", "=":
			return a, a.adjustLimit(1)
		case "-", "_":
			return a, a.adjustLimit(-1)
		}
	}
	return a, nil
}

// SelectedTask returns the id of the highlighted running task.
func (a *App) SelectedTask() (string, bool) {
	if a.selection < 0 || a.selection >= len(a.summary.Running) {
		return "", false
	}
	return a.summary.Running[a.selection].ID, true
}

func (a *App) clampSelection() {
	if n := len(a.summary.Running); a.selection >= n {
		a.selection = max(0, n-1)
	}
}

func (a *App) fetchStatus(manual bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		summary, err := a.source.Status(ctx)
		return statusRefreshMsg{summary: summary, err: err, manual: manual}
	}
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(a.interval, func(time.Time) tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		summary, err := a.source.Status(ctx)
		return statusRefreshMsg{summary: summary, err: err}
	})
}

func (a *App) cancelSelected() tea.Cmd {
	if a.control == nil {
		a.statusMsg = "Read-only dashboard"
		return nil
	}
	id, ok := a.SelectedTask()
	if !ok {
		a.statusMsg = "No running task selected"
		return nil
	}
	a.statusMsg = "Cancelling " + id + "..."
	control := a.control
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := control.Cancel(ctx, id); err != nil {
			return actionResultMsg{err: err}
		}
		return actionResultMsg{message: "Cancelled " + id}
	}
}

// adjustLimit nudges the concurrency limit. Zero is unlimited, so lowering
// from 1 is refused and raising from unlimited is a no-op.
func (a *App) adjustLimit(delta int) tea.Cmd {
	if a.control == nil {
		a.statusMsg = "Read-only dashboard"
		return nil
	}
	current := a.summary.ConcurrencyLimit
	if current == 0 && delta > 0 {
		a.statusMsg = "Concurrency already unlimited"
		return nil
	}
	next := current + delta
	if current == 0 {
		next = max(1, len(a.summary.Running))
	}
	if next < 1 {
		a.statusMsg = "Concurrency cannot go below 1"
		return nil
	}
	control := a.control
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		limit, err := control.SetConcurrency(ctx, next)
		if err != nil {
			return actionResultMsg{err: err}
		}
		return actionResultMsg{message: fmt.Sprintf("Concurrency limit %d", limit)}
	}
}
