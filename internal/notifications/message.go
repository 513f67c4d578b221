package notifications

import (
	"fmt"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/sla"
)

// Message is the template data for one incident event. Fields are plain
// strings so templates can pipe them through string functions.
type Message struct {
	Kind   string
	Seq    int64
	Actor  string
	At     time.Time
	URL    string
	Venue  string
	Fields EventFields

	IncidentID       string
	Title            string
	AlertType        string
	Priority         string
	Status           string
	Location         string
	LocationDetails  string
	ClaimedBy        string
	EscalationLevel  string
	SLATargetMinutes int
	Remaining        time.Duration
	Overdue          bool
}

// EventFields holds the kind-specific payload, flattened.
type EventFields struct {
	From           string
	To             string
	Reason         string
	ResolutionType string
	Notes          string
}

// BuildMessage combines an event with the incident it refers to. Status,
// owner and escalation level are taken as of the event, folded from the
// incident's timeline up to ev.Version, so a message delivered late still
// describes the moment it reports. Remaining and Overdue are measured at now.
func BuildMessage(ev *domain.IncidentEvent, inc *domain.Incident, timeline []*domain.IncidentEvent, locationName string, now time.Time) (Message, error) {
	state, err := stateAt(timeline, ev)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		Kind:             string(ev.Kind),
		Seq:              ev.Seq,
		Actor:            ev.Actor,
		At:               ev.At,
		IncidentID:       inc.ID,
		Title:            inc.Title,
		AlertType:        string(inc.AlertType),
		Priority:         string(inc.Priority),
		Status:           string(state.status),
		Location:         locationName,
		LocationDetails:  inc.LocationDetails,
		ClaimedBy:        state.claimedBy,
		EscalationLevel:  state.level.String(),
		SLATargetMinutes: inc.SLATargetMinutes,
		Remaining:        sla.Remaining(inc.CreatedAt, inc.SLATargetMinutes, now),
		Overdue:          sla.Overdue(inc.CreatedAt, inc.SLATargetMinutes, now),
	}
	if msg.Location == "" && inc.LocationRef != nil {
		msg.Location = *inc.LocationRef
	}

	switch ev.Kind {
	case domain.EventKindStatusChanged:
		var p domain.StatusChangedPayload
		if err = ev.DecodePayload(&p); err == nil {
			msg.Fields.From, msg.Fields.To = string(p.From), string(p.To)
		}
	case domain.EventKindEscalated:
		var p domain.EscalatedPayload
		if err = ev.DecodePayload(&p); err == nil {
			msg.Fields.From, msg.Fields.To = p.From.String(), p.To.String()
			msg.Fields.Reason = p.Reason
		}
	case domain.EventKindResolved:
		var p domain.ResolvedPayload
		if err = ev.DecodePayload(&p); err == nil {
			msg.Fields.ResolutionType = string(p.ResolutionType)
			msg.Fields.Notes = p.Notes
		}
	case domain.EventKindReassigned:
		var p domain.ReassignedPayload
		if err = ev.DecodePayload(&p); err == nil {
			msg.Fields.From, msg.Fields.To = p.From, p.To
		}
	}
	if err != nil {
		return Message{}, fmt.Errorf("decode %s payload: %w", ev.Kind, err)
	}
	return msg, nil
}

// incidentState is the part of an incident that changes over its life.
type incidentState struct {
	status    domain.IncidentStatus
	claimedBy string
	level     domain.EscalationLevel
}

// stateAt replays the timeline events older than ev, then ev itself.
func stateAt(timeline []*domain.IncidentEvent, ev *domain.IncidentEvent) (incidentState, error) {
	state := incidentState{status: domain.StatusReported, level: domain.EscalationNone}
	for _, e := range timeline {
		if e.Version >= ev.Version {
			break
		}
		if err := state.apply(e); err != nil {
			return incidentState{}, err
		}
	}
	if err := state.apply(ev); err != nil {
		return incidentState{}, err
	}
	return state, nil
}

func (s *incidentState) apply(ev *domain.IncidentEvent) error {
	var err error
	switch ev.Kind {
	case domain.EventKindClaimed:
		var p domain.ClaimedPayload
		if err = ev.DecodePayload(&p); err == nil {
			s.status, s.claimedBy = domain.StatusDispatched, p.ClaimedBy
		}
	case domain.EventKindStatusChanged:
		var p domain.StatusChangedPayload
		if err = ev.DecodePayload(&p); err == nil {
			s.status = p.To
		}
	case domain.EventKindEscalated:
		var p domain.EscalatedPayload
		if err = ev.DecodePayload(&p); err == nil {
			s.level = p.To
		}
	case domain.EventKindResolved:
		s.status = domain.StatusResolved
	case domain.EventKindReassigned:
		var p domain.ReassignedPayload
		if err = ev.DecodePayload(&p); err == nil {
			s.status, s.claimedBy = domain.StatusDispatched, p.To
		}
	}
	if err != nil {
		return fmt.Errorf("decode %s payload at version %d: %w", ev.Kind, ev.Version, err)
	}
	return nil
}
