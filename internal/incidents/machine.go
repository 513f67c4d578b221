package incidents

import (
	"errors"
	"strings"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/sla"
)

// SLABreachReason is recorded on every scheduler escalation.
const SLABreachReason = "SLA breach"

// errNotDue is returned by the auto-escalation mutator when the incident no
// longer qualifies under the lock. It is not a failure.
var errNotDue = errors.New("incident not due for escalation")

// nextStatus lists the only forward step AdvanceStatus may take from each status.
var nextStatus = map[domain.IncidentStatus]domain.IncidentStatus{
	domain.StatusDispatched: domain.StatusOnScene,
	domain.StatusOnScene:    domain.StatusStabilized,
}

func claimMutator(responder string, now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if inc.Status.IsResolved() {
			return nil, ErrAlreadyResolved
		}
		if inc.ClaimedBy != nil {
			return nil, &AlreadyClaimedError{By: *inc.ClaimedBy}
		}
		if inc.Status != domain.StatusReported {
			return nil, ErrInvalidTransition
		}

		inc.ClaimedBy = &responder
		inc.Status = domain.StatusDispatched

		return domain.NewIncidentEvent(domain.EventKindClaimed, responder, now,
			domain.ClaimedPayload{ClaimedBy: responder}), nil
	}
}

func advanceMutator(actor string, target domain.IncidentStatus, now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if inc.Status.IsResolved() {
			return nil, ErrAlreadyResolved
		}
		if target != domain.StatusOnScene && target != domain.StatusStabilized {
			return nil, ErrInvalidTransition
		}
		if inc.ClaimedBy == nil {
			return nil, ErrInvalidTransition
		}
		if !inc.IsClaimedBy(actor) {
			return nil, ErrNotOwner
		}
		if nextStatus[inc.Status] != target {
			return nil, ErrInvalidTransition
		}

		from := inc.Status
		inc.Status = target

		return domain.NewIncidentEvent(domain.EventKindStatusChanged, actor, now,
			domain.StatusChangedPayload{From: from, To: target}), nil
	}
}

func resolveMutator(actor string, resolution domain.ResolutionType, notes string, now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if inc.Status.IsResolved() {
			return nil, ErrAlreadyResolved
		}
		if !inc.Status.IsWorking() {
			return nil, ErrInvalidTransition
		}
		if !inc.IsClaimedBy(actor) {
			return nil, ErrNotOwner
		}

		resolvedAt := now
		inc.Status = domain.StatusResolved
		inc.ResolvedAt = &resolvedAt
		inc.ResolutionType = &resolution
		inc.ResolutionNotes = notes

		return domain.NewIncidentEvent(domain.EventKindResolved, actor, now,
			domain.ResolvedPayload{ResolutionType: resolution, Notes: notes}), nil
	}
}

func escalateMutator(actor string, level domain.EscalationLevel, reason string, now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if inc.Status.IsResolved() {
			return nil, ErrAlreadyResolved
		}
		if inc.ClaimedBy != nil && !inc.IsClaimedBy(actor) {
			return nil, ErrNotOwner
		}
		if level <= inc.EscalationLevel {
			return nil, ErrLevelNotHigher
		}
		return raiseLevel(inc, actor, level, reason, now), nil
	}
}

// autoEscalateMutator re-checks the scheduler gate under the incident lock,
// so concurrent sweeps cannot raise the same window twice.
func autoEscalateMutator(now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if !DueForAutoEscalation(inc, now) {
			return nil, errNotDue
		}
		return raiseLevel(inc, domain.SystemActor, inc.EscalationLevel.Next(), SLABreachReason, now), nil
	}
}

func raiseLevel(inc *domain.Incident, actor string, level domain.EscalationLevel, reason string, now time.Time) *domain.IncidentEvent {
	from := inc.EscalationLevel
	inc.EscalationLevel = level
	inc.EscalationHistory = append(inc.EscalationHistory, domain.EscalationEntry{
		Level:       level,
		Reason:      reason,
		EscalatedBy: actor,
		At:          now,
	})

	return domain.NewIncidentEvent(domain.EventKindEscalated, actor, now, domain.EscalatedPayload{
		From:        from,
		To:          level,
		Reason:      reason,
		EscalatedBy: actor,
	})
}

func reassignMutator(actor, responder string, now time.Time) Mutator {
	return func(inc *domain.Incident) (*domain.IncidentEvent, error) {
		if inc.Status.IsResolved() {
			return nil, ErrAlreadyResolved
		}
		if inc.ClaimedBy == nil {
			return nil, ErrInvalidTransition
		}
		if *inc.ClaimedBy == responder {
			return nil, ErrInvalidTransition
		}

		from := *inc.ClaimedBy
		inc.ClaimedBy = &responder
		inc.Status = domain.StatusDispatched

		return domain.NewIncidentEvent(domain.EventKindReassigned, actor, now,
			domain.ReassignedPayload{From: from, To: responder}), nil
	}
}

// DueForAutoEscalation reports whether the scheduler should raise inc now:
// active, overdue, below the top level, and not escalated since the current
// overdue window opened.
func DueForAutoEscalation(inc *domain.Incident, now time.Time) bool {
	if inc.Status.IsResolved() || inc.EscalationLevel >= domain.MaxEscalationLevel {
		return false
	}
	window, windowStart := sla.OverdueWindow(inc.CreatedAt, inc.SLATargetMinutes, now)
	if window == 0 {
		return false
	}
	for _, e := range inc.EscalationHistory {
		if !e.At.Before(windowStart) {
			return false
		}
	}
	return true
}

func normalizeReason(reason string) string {
	return strings.TrimSpace(reason)
}
