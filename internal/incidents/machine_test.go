package incidents

import (
	"testing"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var machineT0 = time.Date(2026, 9, 12, 18, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func incidentIn(status domain.IncidentStatus, owner string) *domain.Incident {
	inc := &domain.Incident{
		ID:                "inc-1",
		AlertType:         domain.AlertTypeMedical,
		Priority:          domain.PriorityCritical,
		Status:            status,
		SLATargetMinutes:  3,
		CreatedAt:         machineT0,
		EscalationHistory: []domain.EscalationEntry{},
		Version:           1,
	}
	if owner != "" {
		inc.ClaimedBy = strPtr(owner)
	}
	if status == domain.StatusResolved {
		at := machineT0.Add(time.Minute)
		rt := domain.ResolutionHandledInternally
		inc.ResolvedAt = &at
		inc.ResolutionType = &rt
	}
	return inc
}

func TestClaimMutator(t *testing.T) {
	tests := []struct {
		name    string
		inc     *domain.Incident
		wantErr error
	}{
		{"reported unclaimed", incidentIn(domain.StatusReported, ""), nil},
		{"already claimed", incidentIn(domain.StatusDispatched, "resp-a"), ErrAlreadyClaimed},
		{"resolved", incidentIn(domain.StatusResolved, "resp-a"), ErrAlreadyResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := claimMutator("resp-b", machineT0)(tt.inc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, event)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusDispatched, tt.inc.Status)
			assert.True(t, tt.inc.IsClaimedBy("resp-b"))
			assert.Equal(t, domain.EventKindClaimed, event.Kind)
		})
	}
}

func TestClaimMutator_ReportsOwner(t *testing.T) {
	_, err := claimMutator("resp-b", machineT0)(incidentIn(domain.StatusOnScene, "resp-a"))

	var claimed *AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, "resp-a", claimed.By)
}

func TestAdvanceMutator(t *testing.T) {
	tests := []struct {
		name    string
		inc     *domain.Incident
		actor   string
		target  domain.IncidentStatus
		wantErr error
	}{
		{"dispatched to on scene", incidentIn(domain.StatusDispatched, "a"), "a", domain.StatusOnScene, nil},
		{"on scene to stabilized", incidentIn(domain.StatusOnScene, "a"), "a", domain.StatusStabilized, nil},
		{"skip to stabilized", incidentIn(domain.StatusDispatched, "a"), "a", domain.StatusStabilized, ErrInvalidTransition},
		{"backwards", incidentIn(domain.StatusStabilized, "a"), "a", domain.StatusOnScene, ErrInvalidTransition},
		{"target dispatched", incidentIn(domain.StatusDispatched, "a"), "a", domain.StatusDispatched, ErrInvalidTransition},
		{"target resolved", incidentIn(domain.StatusOnScene, "a"), "a", domain.StatusResolved, ErrInvalidTransition},
		{"unclaimed", incidentIn(domain.StatusReported, ""), "a", domain.StatusOnScene, ErrInvalidTransition},
		{"not owner", incidentIn(domain.StatusDispatched, "a"), "b", domain.StatusOnScene, ErrNotOwner},
		{"resolved", incidentIn(domain.StatusResolved, "a"), "a", domain.StatusOnScene, ErrAlreadyResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.inc.Status
			event, err := advanceMutator(tt.actor, tt.target, machineT0)(tt.inc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, before, tt.inc.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, tt.inc.Status)

			var p domain.StatusChangedPayload
			require.NoError(t, event.DecodePayload(&p))
			assert.Equal(t, before, p.From)
			assert.Equal(t, tt.target, p.To)
		})
	}
}

func TestResolveMutator(t *testing.T) {
	tests := []struct {
		name    string
		inc     *domain.Incident
		actor   string
		wantErr error
	}{
		{"from dispatched", incidentIn(domain.StatusDispatched, "a"), "a", nil},
		{"from on scene", incidentIn(domain.StatusOnScene, "a"), "a", nil},
		{"from stabilized", incidentIn(domain.StatusStabilized, "a"), "a", nil},
		{"unclaimed", incidentIn(domain.StatusReported, ""), "a", ErrInvalidTransition},
		{"not owner", incidentIn(domain.StatusOnScene, "a"), "b", ErrNotOwner},
		{"twice", incidentIn(domain.StatusResolved, "a"), "a", ErrAlreadyResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveMutator(tt.actor, domain.ResolutionExternalServicesCalled, "ambulance", machineT0)(tt.inc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusResolved, tt.inc.Status)
			require.NotNil(t, tt.inc.ResolvedAt)
			require.NotNil(t, tt.inc.ResolutionType)
			assert.Equal(t, domain.ResolutionExternalServicesCalled, *tt.inc.ResolutionType)
			assert.Equal(t, "ambulance", tt.inc.ResolutionNotes)
		})
	}
}

func TestEscalateMutator(t *testing.T) {
	escalated := incidentIn(domain.StatusDispatched, "a")
	escalated.EscalationLevel = domain.EscalationLevel2
	escalated.EscalationHistory = []domain.EscalationEntry{{Level: domain.EscalationLevel2, At: machineT0}}

	tests := []struct {
		name    string
		inc     *domain.Incident
		actor   string
		level   domain.EscalationLevel
		wantErr error
	}{
		{"unclaimed by anyone", incidentIn(domain.StatusReported, ""), "bystander", domain.EscalationLevel2, nil},
		{"owner", incidentIn(domain.StatusOnScene, "a"), "a", domain.EscalationLevel1, nil},
		{"not owner", incidentIn(domain.StatusOnScene, "a"), "b", domain.EscalationLevel1, ErrNotOwner},
		{"same level", escalated.Clone(), "a", domain.EscalationLevel2, ErrLevelNotHigher},
		{"lower level", escalated.Clone(), "a", domain.EscalationLevel1, ErrLevelNotHigher},
		{"resolved", incidentIn(domain.StatusResolved, "a"), "a", domain.EscalationLevel3, ErrAlreadyResolved},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := tt.inc.Status
			_, err := escalateMutator(tt.actor, tt.level, "help", machineT0)(tt.inc)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.level, tt.inc.EscalationLevel)
			assert.Equal(t, status, tt.inc.Status)
			assert.Equal(t, tt.inc.EscalationLevel, domain.ReplayEscalationLevel(tt.inc.EscalationHistory))
		})
	}
}

func TestReassignMutator(t *testing.T) {
	t.Run("moves ownership and resets to dispatched", func(t *testing.T) {
		inc := incidentIn(domain.StatusStabilized, "a")
		event, err := reassignMutator("admin-1", "b", machineT0)(inc)
		require.NoError(t, err)
		assert.True(t, inc.IsClaimedBy("b"))
		assert.Equal(t, domain.StatusDispatched, inc.Status)

		var p domain.ReassignedPayload
		require.NoError(t, event.DecodePayload(&p))
		assert.Equal(t, "a", p.From)
		assert.Equal(t, "b", p.To)
	})

	t.Run("same owner", func(t *testing.T) {
		_, err := reassignMutator("admin-1", "a", machineT0)(incidentIn(domain.StatusOnScene, "a"))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("unclaimed", func(t *testing.T) {
		_, err := reassignMutator("admin-1", "b", machineT0)(incidentIn(domain.StatusReported, ""))
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("resolved", func(t *testing.T) {
		_, err := reassignMutator("admin-1", "b", machineT0)(incidentIn(domain.StatusResolved, "a"))
		assert.ErrorIs(t, err, ErrAlreadyResolved)
	})
}

func TestDueForAutoEscalation(t *testing.T) {
	// Fire: two minute target, deadline at t0+2m.
	fire := func() *domain.Incident {
		inc := incidentIn(domain.StatusReported, "")
		inc.AlertType = domain.AlertTypeFire
		inc.SLATargetMinutes = 2
		return inc
	}
	deadline := machineT0.Add(2 * time.Minute)

	t.Run("not overdue", func(t *testing.T) {
		assert.False(t, DueForAutoEscalation(fire(), deadline))
	})

	t.Run("overdue, never escalated", func(t *testing.T) {
		assert.True(t, DueForAutoEscalation(fire(), deadline.Add(time.Second)))
	})

	t.Run("escalated in current window", func(t *testing.T) {
		inc := fire()
		inc.EscalationLevel = domain.EscalationLevel1
		inc.EscalationHistory = []domain.EscalationEntry{{Level: domain.EscalationLevel1, At: deadline.Add(time.Second)}}
		assert.False(t, DueForAutoEscalation(inc, deadline.Add(90*time.Second)))
	})

	t.Run("next window opens", func(t *testing.T) {
		inc := fire()
		inc.EscalationLevel = domain.EscalationLevel1
		inc.EscalationHistory = []domain.EscalationEntry{{Level: domain.EscalationLevel1, At: deadline.Add(time.Second)}}
		assert.True(t, DueForAutoEscalation(inc, deadline.Add(2*time.Minute)))
	})

	t.Run("manual escalation in window counts", func(t *testing.T) {
		inc := fire()
		inc.EscalationLevel = domain.EscalationLevel3
		inc.EscalationHistory = []domain.EscalationEntry{{Level: domain.EscalationLevel3, EscalatedBy: "a", At: deadline.Add(10 * time.Second)}}
		assert.False(t, DueForAutoEscalation(inc, deadline.Add(30*time.Second)))
	})

	t.Run("top level", func(t *testing.T) {
		inc := fire()
		inc.EscalationLevel = domain.EscalationLevel4
		assert.False(t, DueForAutoEscalation(inc, deadline.Add(time.Hour)))
	})

	t.Run("resolved", func(t *testing.T) {
		inc := incidentIn(domain.StatusResolved, "a")
		assert.False(t, DueForAutoEscalation(inc, machineT0.Add(time.Hour)))
	})

	t.Run("independent of owner and status", func(t *testing.T) {
		claimed := fire()
		claimed.Status = domain.StatusStabilized
		claimed.ClaimedBy = strPtr("a")
		assert.True(t, DueForAutoEscalation(claimed, deadline.Add(time.Second)))
	})
}

func TestAutoEscalateMutator(t *testing.T) {
	inc := incidentIn(domain.StatusReported, "")
	now := machineT0.Add(4 * time.Minute)

	event, err := autoEscalateMutator(now)(inc)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationLevel1, inc.EscalationLevel)
	assert.Equal(t, domain.SystemActor, event.Actor)

	last, ok := inc.LastEscalation()
	require.True(t, ok)
	assert.Equal(t, SLABreachReason, last.Reason)
	assert.Equal(t, domain.SystemActor, last.EscalatedBy)

	_, err = autoEscalateMutator(now)(inc)
	assert.ErrorIs(t, err, errNotDue)
}
