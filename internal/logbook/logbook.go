package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/trellis/internal/workflow"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook is a human-readable journal of task transitions, one line per
// entry, kept next to the structured log.
type Logbook struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a logbook that writes to the provided path.
func New(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry stamped with the current time.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.write(l.now(), level, message)
}

// Transition journals one status change as "<id> <from> -> <to> [code]".
// Failed transitions log at ERROR, skips at WARN.
func (l *Logbook) Transition(taskID string, from, to workflow.Status, at time.Time, taskErr *workflow.TaskError) {
	if l == nil {
		return
	}
	level := LevelInfo
	switch to {
	case workflow.StatusFailed:
		level = LevelError
	case workflow.StatusSkipped:
		level = LevelWarn
	}
	message := fmt.Sprintf("%s %s -> %s", taskID, from, to)
	if taskErr != nil {
		message += fmt.Sprintf(" [%s]", taskErr.Code)
		if taskErr.Message != "" {
			message += " " + taskErr.Message
		}
	}
	if at.IsZero() {
		at = l.now()
	}
	l.write(at, level, message)
}

func (l *Logbook) write(at time.Time, level Level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s\n",
		at.UTC().Format(time.RFC3339),
		string(level),
		strings.Join(strings.Fields(message), " "),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	_, _ = file.WriteString(line)
}

// Tail returns up to maxLines of the most recent entries along with the total
// number of entries in the logbook.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil, 0
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	total := len(lines)
	if total == 0 {
		return nil, 0
	}
	if total > maxLines {
		lines = lines[total-maxLines:]
	}
	return lines, total
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}
