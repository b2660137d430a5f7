package history

import (
	"sync"

	"datatracker/internal/domain"
)

// CoordFunc extracts the coordinates that identify a position.
type CoordFunc func(pos domain.Position) (lon, lat float64, ok bool)

type key struct {
	lon, lat float64
}

// Store keeps a bounded, deduplicated position sequence per entity.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.EntityID][]domain.Position

	maxSize int
	coords  CoordFunc
}

// New creates an empty store. maxSize <= 0 leaves sequences unbounded.
func New(maxSize int, coords CoordFunc) *Store {
	return &Store{
		entries: make(map[domain.EntityID][]domain.Position),
		maxSize: maxSize,
		coords:  coords,
	}
}

// Merge appends each entity's new positions after its retained ones, drops
// later duplicates of a coordinate pair and keeps the newest maxSize entries.
// Entities missing from the snapshot are left alone.
func (s *Store) Merge(snapshot domain.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merge(snapshot)
}

// Restore replaces the store content, reapplying dedup and bounds.
func (s *Store) Restore(h domain.History) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[domain.EntityID][]domain.Position, len(h))
	s.merge(h)
}

func (s *Store) merge(snapshot domain.History) {
	for id, fresh := range snapshot {
		existing := s.entries[id]
		if len(existing) == 0 && len(fresh) == 0 {
			continue
		}

		combined := make([]domain.Position, 0, len(existing)+len(fresh))
		combined = append(combined, existing...)
		combined = append(combined, fresh...)

		unique := s.dedup(combined)
		if s.maxSize > 0 && len(unique) > s.maxSize {
			unique = unique[len(unique)-s.maxSize:]
		}

		if len(unique) == 0 {
			delete(s.entries, id)
			continue
		}
		s.entries[id] = unique
	}
}

func (s *Store) dedup(positions []domain.Position) []domain.Position {
	seen := make(map[key]struct{}, len(positions))
	unique := make([]domain.Position, 0, len(positions))

	for _, pos := range positions {
		lon, lat, ok := s.coords(pos)
		if !ok {
			continue
		}
		k := key{lon: lon, lat: lat}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, pos)
	}
	return unique
}

// Clear drops all history.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[domain.EntityID][]domain.Position)
}

// Get returns a copy of the current history. Positions are shared and must
// not be modified.
func (s *Store) Get() domain.History {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(domain.History, len(s.entries))
	for id, positions := range s.entries {
		result[id] = append([]domain.Position(nil), positions...)
	}
	return result
}

// Entity returns the retained positions of one entity.
func (s *Store) Entity(id domain.EntityID) ([]domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	positions, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return append([]domain.Position(nil), positions...), true
}

// Len returns the number of tracked entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
