package config

import (
	"context"
	"os"
	"time"
)

// Reloader polls config.yaml for modification and reloads it, handing the
// fresh settings to OnChange. Only settings that are safe to change while
// running should be applied by the callback.
type Reloader struct {
	Config   *Config
	Interval time.Duration
	OnChange func(ProjectConfig)
	OnError  func(error)

	lastMod time.Time
}

// Run blocks until ctx is done.
func (r *Reloader) Run(ctx context.Context) {
	if r == nil || r.Config == nil {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	r.lastMod = r.modTime()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Check()
		}
	}
}

// Check reloads once if the file changed since the last look. It reports
// whether a reload was applied.
func (r *Reloader) Check() bool {
	mod := r.modTime()
	if mod.IsZero() || !mod.After(r.lastMod) {
		return false
	}
	r.lastMod = mod
	if err := r.Config.Reload(); err != nil {
		if r.OnError != nil {
			r.OnError(err)
		}
		return false
	}
	if r.OnChange != nil {
		r.OnChange(r.Config.Project)
	}
	return true
}

func (r *Reloader) modTime() time.Time {
	info, err := os.Stat(r.Config.ProjectConfigPath())
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
