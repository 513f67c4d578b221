package incidents

import (
	"context"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
)

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetIDGenerator replaces the incident id generator.
func (s *Service) SetIDGenerator(newID func() string) {
	s.newID = newID
}

// AutoEscalate exposes the scheduler escalation path.
func (s *Service) AutoEscalate(ctx context.Context, id string, expectedVersion int64) (*domain.Incident, error) {
	return s.autoEscalate(ctx, id, expectedVersion)
}

// ErrNotDue exposes the scheduler skip sentinel.
var ErrNotDue = errNotDue
