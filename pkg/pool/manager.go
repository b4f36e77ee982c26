package pool

import (
	"context"
	"fmt"
	"sync"
)

// Manager runs one supervisor per app of an ecosystem
type Manager struct {
	supervisors []*Supervisor
	byName      map[string]*Supervisor
}

// NewManager builds the supervisors, every one of them gets its own copy of opts
func NewManager(eco *Ecosystem, opts Options) (*Manager, error) {
	if err := eco.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{byName: map[string]*Supervisor{}}
	for _, app := range eco.Apps {
		s, err := NewSupervisor(app, opts)
		if err != nil {
			return nil, err
		}
		m.supervisors = append(m.supervisors, s)
		m.byName[app.Name] = s
	}
	return m, nil
}

// Run runs every pool until ctx is done
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, s := range m.supervisors {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			_ = s.Run(ctx)
		}(s)
	}
	wg.Wait()
	return nil
}

func (m *Manager) Supervisor(name string) (*Supervisor, error) {
	s, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPool, name)
	}
	return s, nil
}

// Status returns the snapshots of all pools by pool name
func (m *Manager) Status() map[string][]Snapshot {
	status := make(map[string][]Snapshot, len(m.supervisors))
	for _, s := range m.supervisors {
		status[s.Name()] = s.Status()
	}
	return status
}
