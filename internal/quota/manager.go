package quota

import (
	"context"
	"sync"
)

// Manager owns one Prefetch per quota name, creating them lazily on first
// use. A Manager is safe for concurrent use.
type Manager struct {
	cfg   Config
	alloc func(quotaName string) AllocFunc

	mu       sync.Mutex
	prefetch map[string]*Prefetch
}

// NewManager builds a Manager. allocFor returns the AllocFunc to use for a
// given quota name — typically a closure over the client's transport that
// fills in the quota name on every call.
func NewManager(cfg Config, allocFor func(quotaName string) AllocFunc) *Manager {
	return &Manager{
		cfg:      cfg,
		alloc:    allocFor,
		prefetch: make(map[string]*Prefetch),
	}
}

// Alloc grants amount tokens of the named quota, creating its Prefetch on
// first reference.
func (m *Manager) Alloc(ctx context.Context, quotaName string, amount int64, bestEffort bool) (int64, error) {
	return m.prefetchFor(quotaName).Alloc(ctx, amount, bestEffort)
}

func (m *Manager) prefetchFor(quotaName string) *Prefetch {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefetch[quotaName]
	if !ok {
		p = New(quotaName, m.cfg, m.alloc(quotaName))
		m.prefetch[quotaName] = p
	}
	return p
}

// Stats reports the current window and local pool size for every quota name
// that has been used at least once, for metrics export.
func (m *Manager) Stats() map[string]Stats {
	m.mu.Lock()
	names := make([]string, 0, len(m.prefetch))
	prefetches := make([]*Prefetch, 0, len(m.prefetch))
	for name, p := range m.prefetch {
		names = append(names, name)
		prefetches = append(prefetches, p)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(names))
	for i, name := range names {
		out[name] = Stats{
			Window: prefetches[i].Window(),
			Local:  prefetches[i].Local(),
		}
	}
	return out
}

// Stats is a point-in-time snapshot of one quota name's prefetch state.
type Stats struct {
	Window float64
	Local  int64
}
