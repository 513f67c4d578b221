package incidents

import (
	"context"

	"github.com/bissquit/incident-escalation/internal/domain"
)

// Mutator applies one transition to a private copy of an incident.
// It returns the event describing the change, or a typed rejection, in which
// case nothing is written.
type Mutator func(inc *domain.Incident) (*domain.IncidentEvent, error)

// Repository is the authoritative incident store.
//
// Every write goes through CompareAndSwap, which runs the mutator under the
// incident's lock, bumps the version and appends the returned event in the
// same atomic unit. Implementations report infrastructure failures wrapped
// in ErrStoreUnavailable.
type Repository interface {
	Insert(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) (*domain.Incident, error)
	Get(ctx context.Context, id string) (*domain.Incident, error)
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (*domain.Incident, *domain.IncidentEvent, error)
	List(ctx context.Context, filter Filter) ([]*domain.Incident, error)
	ListActive(ctx context.Context) ([]*domain.Incident, error)

	IncidentEvents(ctx context.Context, incidentID string) ([]*domain.IncidentEvent, error)
	EventsAfter(ctx context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error)
	LatestEventSeq(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// State selects incidents by lifecycle phase.
type State string

// Filter states.
const (
	StateAll      State = ""
	StateActive   State = "active"
	StateResolved State = "resolved"
)

// Filter holds options for listing incidents. Results are newest first:
// by resolved_at for StateResolved, by created_at otherwise. Limit is applied
// by the store.
type Filter struct {
	State     State
	AlertType *domain.AlertType
	Priority  *domain.Priority
	Limit     int
}

// Matches reports whether inc passes the filter, ignoring Limit.
func (f Filter) Matches(inc *domain.Incident) bool {
	switch f.State {
	case StateActive:
		if inc.Status.IsResolved() {
			return false
		}
	case StateResolved:
		if !inc.Status.IsResolved() {
			return false
		}
	}
	if f.AlertType != nil && inc.AlertType != *f.AlertType {
		return false
	}
	if f.Priority != nil && inc.Priority != *f.Priority {
		return false
	}
	return true
}
