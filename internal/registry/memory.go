package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type sighting struct {
	personID   string
	at         time.Time
	confidence float64
}

// MemoryStore keeps the registry in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	persons map[string]Person
	history []sighting
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		persons: make(map[string]Person),
		now:     time.Now,
	}
}

func (m *MemoryStore) Register(_ context.Context, p Person) error {
	if err := validate(&p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.persons[p.ID]; ok && existing.Active {
		return fmt.Errorf("%w: %s is already registered", ErrEnrollment, p.ID)
	}

	rec := p.Clone()
	rec.RecognitionCount = 0
	rec.LastSeen = nil
	rec.Active = true
	rec.CreatedAt = m.now()
	m.persons[p.ID] = rec
	return nil
}

func (m *MemoryStore) Deactivate(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p.Active = false
	m.persons[id] = p
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := p.Clone()
	return &c, nil
}

func (m *MemoryStore) ActiveRecords(_ context.Context) ([]Person, error) {
	m.mu.RLock()
	out := make([]Person, 0, len(m.persons))
	for _, p := range m.persons {
		if p.Active {
			out = append(out, p.Clone())
		}
	}
	m.mu.RUnlock()

	sortByRecognitions(out)
	return out, nil
}

func (m *MemoryStore) RecordSighting(_ context.Context, id string, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := m.now()
	p.RecognitionCount++
	p.LastSeen = &now
	m.persons[id] = p
	m.history = append(m.history, sighting{personID: id, at: now, confidence: confidence})
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	for _, p := range m.persons {
		if p.Active {
			s.ActivePersons++
		}
		s.TotalRecognitions += p.RecognitionCount
	}
	midnight := startOfDay(m.now())
	for _, h := range m.history {
		if !h.at.Before(midnight) {
			s.RecognitionsToday++
		}
	}
	return s, nil
}

func (m *MemoryStore) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persons = make(map[string]Person)
	m.history = nil
	return nil
}

func (m *MemoryStore) Close() error { return nil }
