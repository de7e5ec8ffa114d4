package supervisor

import (
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager owns a set of named process entries and starts/stops them either
// individually or all at once.
type Manager struct {
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager builds an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, entries: make(map[string]*Entry)}
}

// Create registers a new process entry. It does not start it.
func (m *Manager) Create(name, command string, policy Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[name]; exists {
		return ErrNameConflict
	}
	m.entries[name] = newEntry(name, command, policy, m.logger)
	return nil
}

// Entry returns the named process entry, or nil if it doesn't exist.
func (m *Manager) Entry(name string) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[name]
}

func (m *Manager) targetNames(names []string) []string {
	if len(names) > 0 {
		return names
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]string, 0, len(m.entries))
	for n := range m.entries {
		all = append(all, n)
	}
	return all
}

// Start starts the named processes, or every registered process if names
// is empty. Per-entry failures are aggregated with multierr rather than
// stopping at the first one.
func (m *Manager) Start(names ...string) error {
	var errs error
	for _, n := range m.targetNames(names) {
		e := m.Entry(n)
		if e == nil {
			errs = multierr.Append(errs, ErrUnknownProcess)
			continue
		}
		if err := e.Start(); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Stop stops the named processes (or every registered process), aggregating
// per-entry errors with multierr.
func (m *Manager) Stop(timeout time.Duration, names ...string) error {
	var errs error
	for _, n := range m.targetNames(names) {
		e := m.Entry(n)
		if e == nil {
			errs = multierr.Append(errs, ErrUnknownProcess)
			continue
		}
		if err := e.Stop(timeout); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
