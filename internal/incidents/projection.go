package incidents

import (
	"sort"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/sla"
)

// Active returns incidents that are not resolved, oldest first.
func Active(list []*domain.Incident) []*domain.Incident {
	out := make([]*domain.Incident, 0, len(list))
	for _, inc := range list {
		if !inc.Status.IsResolved() {
			out = append(out, inc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Critical returns active incidents with critical priority, oldest first.
func Critical(list []*domain.Incident) []*domain.Incident {
	active := Active(list)
	out := make([]*domain.Incident, 0, len(active))
	for _, inc := range active {
		if inc.Priority == domain.PriorityCritical {
			out = append(out, inc)
		}
	}
	return out
}

// Resolved returns resolved incidents ordered by resolution time, newest
// first. A non-positive limit returns all of them.
func Resolved(list []*domain.Incident, limit int) []*domain.Incident {
	out := make([]*domain.Incident, 0, len(list))
	for _, inc := range list {
		if inc.Status.IsResolved() && inc.ResolvedAt != nil {
			out = append(out, inc)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ResolvedAt.After(*out[j].ResolvedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CountByType counts active incidents per alert type. Every known type is
// present in the result.
func CountByType(list []*domain.Incident) map[domain.AlertType]int {
	counts := make(map[domain.AlertType]int, len(domain.AlertTypes))
	for _, t := range domain.AlertTypes {
		counts[t] = 0
	}
	for _, inc := range Active(list) {
		counts[inc.AlertType]++
	}
	return counts
}

// CountByEscalationLevel counts active incidents per escalation level.
func CountByEscalationLevel(list []*domain.Incident) map[domain.EscalationLevel]int {
	counts := make(map[domain.EscalationLevel]int, int(domain.MaxEscalationLevel)+1)
	for l := domain.EscalationNone; l <= domain.MaxEscalationLevel; l++ {
		counts[l] = 0
	}
	for _, inc := range Active(list) {
		counts[inc.EscalationLevel]++
	}
	return counts
}

// Stats is the dashboard summary of active incidents.
type Stats struct {
	Active            int                            `json:"active"`
	Critical          int                            `json:"critical"`
	Overdue           int                            `json:"overdue"`
	Unclaimed         int                            `json:"unclaimed"`
	ByType            map[domain.AlertType]int       `json:"by_type"`
	ByEscalationLevel map[domain.EscalationLevel]int `json:"by_escalation_level"`
	ByStatus          map[domain.IncidentStatus]int  `json:"by_status"`
}

// ComputeStats summarises the active incidents in list at now.
func ComputeStats(list []*domain.Incident, now time.Time) *Stats {
	active := Active(list)
	st := &Stats{
		Active:            len(active),
		Critical:          len(Critical(active)),
		ByType:            CountByType(active),
		ByEscalationLevel: CountByEscalationLevel(active),
		ByStatus:          make(map[domain.IncidentStatus]int),
	}
	for _, inc := range active {
		if sla.Overdue(inc.CreatedAt, inc.SLATargetMinutes, now) {
			st.Overdue++
		}
		if inc.ClaimedBy == nil {
			st.Unclaimed++
		}
		st.ByStatus[inc.Status]++
	}
	return st
}
