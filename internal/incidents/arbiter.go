package incidents

import (
	"context"
	"errors"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
)

// ClaimArbiter grants ownership of an incident to at most one responder.
// The null check and the assignment run inside a single CompareAndSwap, so two
// racing claims on the same version cannot both pass.
type ClaimArbiter struct {
	repo Repository
	now  func() time.Time
}

// NewClaimArbiter creates a new claim arbiter.
func NewClaimArbiter(repo Repository) *ClaimArbiter {
	return &ClaimArbiter{repo: repo, now: time.Now}
}

// Claim assigns responder to the incident at expectedVersion.
// It fails with *AlreadyClaimedError when someone else got there first, even
// if their claim also moved the version, and with ErrVersionConflict when the
// incident moved past expectedVersion for any other reason.
func (a *ClaimArbiter) Claim(ctx context.Context, id, responder string, expectedVersion int64) (*domain.Incident, *domain.IncidentEvent, error) {
	inc, ev, err := a.repo.CompareAndSwap(ctx, id, expectedVersion, claimMutator(responder, a.now().UTC()))
	if !errors.Is(err, ErrVersionConflict) {
		return inc, ev, err
	}
	current, getErr := a.repo.Get(ctx, id)
	if getErr != nil {
		return nil, nil, err
	}
	if current.ClaimedBy != nil && *current.ClaimedBy != responder {
		return nil, nil, &AlreadyClaimedError{By: *current.ClaimedBy}
	}
	return nil, nil, err
}
