// Package memory provides an in-process implementation of incidents.Repository.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
)

var errNoEvent = errors.New("mutator returned no event")

type record struct {
	mu  sync.Mutex
	inc *domain.Incident
}

// Store keeps incidents in memory. The map lock only guards membership;
// each incident has its own lock, held for the whole of a CompareAndSwap.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	logMu      sync.RWMutex
	log        []*domain.IncidentEvent
	byIncident map[string][]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records:    make(map[string]*record),
		byIncident: make(map[string][]int),
	}
}

// Insert stores a new incident at version 1 together with its created event.
func (s *Store) Insert(_ context.Context, inc *domain.Incident, created *domain.IncidentEvent) (*domain.Incident, error) {
	if created == nil {
		return nil, errNoEvent
	}
	stored := inc.Clone()
	stored.Version = 1

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[stored.ID]; exists {
		return nil, fmt.Errorf("insert incident %s: duplicate id", stored.ID)
	}

	rec := &record{inc: stored}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.records[stored.ID] = rec
	s.append(stored, created)

	return stored.Clone(), nil
}

// Get returns a copy of the incident.
func (s *Store) Get(_ context.Context, id string) (*domain.Incident, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.inc.Clone(), nil
}

// CompareAndSwap applies mutate to a copy of the incident if it is still at
// expectedVersion, then stores the copy and appends the event.
func (s *Store) CompareAndSwap(_ context.Context, id string, expectedVersion int64, mutate incidents.Mutator) (*domain.Incident, *domain.IncidentEvent, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, nil, incidents.ErrIncidentNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.inc.Version != expectedVersion {
		return nil, nil, incidents.ErrVersionConflict
	}

	next := rec.inc.Clone()
	event, err := mutate(next)
	if err != nil {
		return nil, nil, err
	}
	if event == nil {
		return nil, nil, errNoEvent
	}

	next.ID = rec.inc.ID
	next.Version = expectedVersion + 1
	next.UpdatedAt = event.At

	rec.inc = next
	appended := s.append(next, event)

	return next.Clone(), appended, nil
}

// List returns incidents matching filter, newest first.
func (s *Store) List(_ context.Context, filter incidents.Filter) ([]*domain.Incident, error) {
	all := s.snapshot()
	out := make([]*domain.Incident, 0, len(all))
	for _, inc := range all {
		if filter.Matches(inc) {
			out = append(out, inc)
		}
	}
	if filter.State == incidents.StateResolved {
		return incidents.Resolved(out, filter.Limit), nil
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListActive returns every unresolved incident, oldest first.
func (s *Store) ListActive(_ context.Context) ([]*domain.Incident, error) {
	all := s.snapshot()
	out := make([]*domain.Incident, 0, len(all))
	for _, inc := range all {
		if !inc.Status.IsResolved() {
			out = append(out, inc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// IncidentEvents returns the events of one incident in version order.
func (s *Store) IncidentEvents(_ context.Context, incidentID string) ([]*domain.IncidentEvent, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	idx := s.byIncident[incidentID]
	out := make([]*domain.IncidentEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, copyEvent(s.log[i]))
	}
	return out, nil
}

// EventsAfter returns up to limit events with seq greater than seq.
func (s *Store) EventsAfter(_ context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(s.log)) {
		return []*domain.IncidentEvent{}, nil
	}
	end := int64(len(s.log))
	if limit > 0 && seq+int64(limit) < end {
		end = seq + int64(limit)
	}
	out := make([]*domain.IncidentEvent, 0, end-seq)
	for _, e := range s.log[seq:end] {
		out = append(out, copyEvent(e))
	}
	return out, nil
}

// LatestEventSeq returns the seq of the newest event, or 0.
func (s *Store) LatestEventSeq(_ context.Context) (int64, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()
	return int64(len(s.log)), nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *Store) snapshot() []*domain.Incident {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]*domain.Incident, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.inc.Clone())
		rec.mu.Unlock()
	}
	return out
}

// append stamps event with its position and stores it. The caller holds the
// incident's record lock.
func (s *Store) append(inc *domain.Incident, event *domain.IncidentEvent) *domain.IncidentEvent {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	e := copyEvent(event)
	e.IncidentID = inc.ID
	e.Version = inc.Version
	e.Seq = int64(len(s.log)) + 1

	s.log = append(s.log, e)
	s.byIncident[inc.ID] = append(s.byIncident[inc.ID], len(s.log)-1)

	event.Seq, event.IncidentID, event.Version = e.Seq, e.IncidentID, e.Version
	return copyEvent(e)
}

func copyEvent(e *domain.IncidentEvent) *domain.IncidentEvent {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

var _ incidents.Repository = (*Store)(nil)
