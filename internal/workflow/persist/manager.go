package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/workflow/graph"
	"github.com/kingrea/trellis/internal/workflow/results"
)

// DefaultFailureThreshold is how many consecutive failed saves flip health to
// degraded.
const DefaultFailureThreshold = 3

// Health describes how snapshot writes have been going.
type Health struct {
	Degraded            bool      `json:"degraded"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	LastPersistedAt     time.Time `json:"last_persisted_at,omitzero"`
}

// Restored is the outcome of Manager.Load.
type Restored struct {
	Graph   *graph.Graph
	Results *results.Store
	// Cold is true when no usable snapshot was found.
	Cold bool
	// Diagnostic explains why a snapshot was discarded. Nil for a clean load
	// or a first start.
	Diagnostic error
}

// Manager writes and reads snapshots through a Store and tracks write health.
type Manager struct {
	store     Store
	logger    *zap.Logger
	threshold int

	mu     sync.Mutex
	health Health
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.threshold = n
		}
	}
}

// NewManager wires a manager to store.
func NewManager(store Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("persist: store is required")
	}
	m := &Manager{
		store:     store,
		logger:    zap.NewNop(),
		threshold: DefaultFailureThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Save snapshots g and res. Failures are counted toward degraded health and
// returned; the caller decides whether to retry on the next tick.
func (m *Manager) Save(ctx context.Context, g *graph.Graph, res *results.Store, now time.Time) error {
	data, err := Encode(g, res, now)
	if err == nil {
		err = m.store.Save(ctx, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.health.ConsecutiveFailures++
		m.health.LastError = err.Error()
		m.health.Degraded = m.health.ConsecutiveFailures >= m.threshold
		m.logger.Warn("snapshot write failed",
			zap.Int("consecutive_failures", m.health.ConsecutiveFailures),
			zap.Bool("degraded", m.health.Degraded),
			zap.Error(err))
		return fmt.Errorf("persist: save snapshot: %w", err)
	}
	if m.health.Degraded {
		m.logger.Info("snapshot writes recovered", zap.Int("after_failures", m.health.ConsecutiveFailures))
	}
	m.health.ConsecutiveFailures = 0
	m.health.LastError = ""
	m.health.Degraded = false
	m.health.LastPersistedAt = now
	return nil
}

// Load reads the latest snapshot. It never fails: a missing snapshot is a
// cold start and an unreadable or corrupt one is logged and discarded.
func (m *Manager) Load(ctx context.Context, opts ...graph.Option) Restored {
	cold := Restored{Graph: graph.New(opts...), Results: results.New(), Cold: true}
	data, err := m.store.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		m.logger.Info("no snapshot found, cold start")
		return cold
	}
	if err != nil {
		m.logger.Error("snapshot unreadable, starting cold", zap.Error(err))
		cold.Diagnostic = err
		return cold
	}
	g, res, err := Decode(data, opts...)
	if err != nil {
		m.logger.Error("snapshot corrupt, starting cold", zap.Int("bytes", len(data)), zap.Error(err))
		cold.Diagnostic = err
		return cold
	}
	m.logger.Info("snapshot restored", zap.Int("tasks", g.Len()), zap.Int("results", res.Len()))
	return Restored{Graph: g, Results: res}
}

// Health returns the current write health.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Threshold returns the degraded-health threshold.
func (m *Manager) Threshold() int {
	return m.threshold
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
