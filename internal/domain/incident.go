package domain

import "time"

// AlertType is the kind of emergency an incident reports.
type AlertType string

// Alert types.
const (
	AlertTypeMedical   AlertType = "medical"
	AlertTypeSecurity  AlertType = "security"
	AlertTypeFire      AlertType = "fire"
	AlertTypeEquipment AlertType = "equipment"
	AlertTypeWeather   AlertType = "weather"
	AlertTypeCrowd     AlertType = "crowd"
	AlertTypeOther     AlertType = "other"
)

// AlertTypes lists every alert type in display order.
var AlertTypes = []AlertType{
	AlertTypeMedical,
	AlertTypeFire,
	AlertTypeSecurity,
	AlertTypeWeather,
	AlertTypeCrowd,
	AlertTypeEquipment,
	AlertTypeOther,
}

// IsValid checks if the alert type is known.
func (t AlertType) IsValid() bool {
	switch t {
	case AlertTypeMedical, AlertTypeSecurity, AlertTypeFire,
		AlertTypeEquipment, AlertTypeWeather, AlertTypeCrowd,
		AlertTypeOther:
		return true
	}
	return false
}

// DefaultSLAMinutes returns the response budget used when the reporter
// does not override it.
func (t AlertType) DefaultSLAMinutes() int {
	switch t {
	case AlertTypeFire:
		return 2
	case AlertTypeMedical:
		return 3
	case AlertTypeSecurity, AlertTypeWeather, AlertTypeCrowd:
		return 5
	default:
		return 10
	}
}

// Priority derives the fixed incident priority from the alert type.
func (t AlertType) Priority() Priority {
	switch t {
	case AlertTypeMedical, AlertTypeFire, AlertTypeSecurity:
		return PriorityCritical
	default:
		return PriorityHigh
	}
}

// Priority represents how urgent an incident is.
type Priority string

// Priorities.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
)

// IncidentStatus is the position of an incident on the response ladder.
// Escalation is tracked separately by EscalationLevel.
type IncidentStatus string

// Incident statuses.
const (
	StatusReported   IncidentStatus = "reported"
	StatusDispatched IncidentStatus = "dispatched"
	StatusOnScene    IncidentStatus = "on_scene"
	StatusStabilized IncidentStatus = "stabilized"
	StatusResolved   IncidentStatus = "resolved"
)

// IsValid checks if the status is known.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case StatusReported, StatusDispatched, StatusOnScene, StatusStabilized, StatusResolved:
		return true
	}
	return false
}

// IsResolved checks if the status is terminal.
func (s IncidentStatus) IsResolved() bool {
	return s == StatusResolved
}

// IsWorking reports whether a responder currently owns the incident.
func (s IncidentStatus) IsWorking() bool {
	return s == StatusDispatched || s == StatusOnScene || s == StatusStabilized
}

// ResolutionType describes how an incident was closed.
type ResolutionType string

// Resolution types.
const (
	ResolutionHandledInternally      ResolutionType = "handled_internally"
	ResolutionExternalServicesCalled ResolutionType = "external_services_called"
	ResolutionFalseAlarm             ResolutionType = "false_alarm"
	ResolutionDeferred               ResolutionType = "deferred"
)

// IsValid checks if the resolution type is known.
func (r ResolutionType) IsValid() bool {
	switch r {
	case ResolutionHandledInternally, ResolutionExternalServicesCalled,
		ResolutionFalseAlarm, ResolutionDeferred:
		return true
	}
	return false
}

// SystemActor stamps changes made by the escalation scheduler.
const SystemActor = "system"

// EscalationEntry records a single raise of the escalation level.
type EscalationEntry struct {
	Level       EscalationLevel `json:"level"`
	Reason      string          `json:"reason"`
	EscalatedBy string          `json:"escalated_by"`
	At          time.Time       `json:"at"`
}

// Incident is a reported emergency with its own lifecycle and SLA clock.
type Incident struct {
	ID                string            `json:"id"`
	AlertType         AlertType         `json:"alert_type"`
	Title             string            `json:"title"`
	Description       string            `json:"description"`
	LocationRef       *string           `json:"location_ref"`
	LocationDetails   string            `json:"location_details"`
	ReporterRef       string            `json:"reporter_ref"`
	Priority          Priority          `json:"priority"`
	Status            IncidentStatus    `json:"status"`
	SLATargetMinutes  int               `json:"sla_target_minutes"`
	EscalationLevel   EscalationLevel   `json:"escalation_level"`
	ClaimedBy         *string           `json:"claimed_by"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ResolvedAt        *time.Time        `json:"resolved_at"`
	ResolutionType    *ResolutionType   `json:"resolution_type"`
	ResolutionNotes   string            `json:"resolution_notes"`
	EscalationHistory []EscalationEntry `json:"escalation_history"`
	Version           int64             `json:"version"`
}

// IsClaimedBy reports whether responder currently owns the incident.
func (i *Incident) IsClaimedBy(responder string) bool {
	return i.ClaimedBy != nil && *i.ClaimedBy == responder
}

// IsEscalated reports whether the incident was ever escalated.
func (i *Incident) IsEscalated() bool {
	return i.EscalationLevel > EscalationNone
}

// LastEscalation returns the most recent escalation entry, if any.
func (i *Incident) LastEscalation() (EscalationEntry, bool) {
	if len(i.EscalationHistory) == 0 {
		return EscalationEntry{}, false
	}
	return i.EscalationHistory[len(i.EscalationHistory)-1], true
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.LocationRef = cloneString(i.LocationRef)
	c.ClaimedBy = cloneString(i.ClaimedBy)
	if i.ResolvedAt != nil {
		t := *i.ResolvedAt
		c.ResolvedAt = &t
	}
	if i.ResolutionType != nil {
		rt := *i.ResolutionType
		c.ResolutionType = &rt
	}
	c.EscalationHistory = make([]EscalationEntry, len(i.EscalationHistory))
	copy(c.EscalationHistory, i.EscalationHistory)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
