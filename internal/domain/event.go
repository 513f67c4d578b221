package domain

import (
	"encoding/json"
	"time"
)

// EventKind identifies what an IncidentEvent records.
type EventKind string

// Event kinds.
const (
	EventKindCreated       EventKind = "created"
	EventKindClaimed       EventKind = "claimed"
	EventKindStatusChanged EventKind = "status_changed"
	EventKindEscalated     EventKind = "escalated"
	EventKindResolved      EventKind = "resolved"
	EventKindReassigned    EventKind = "reassigned"
)

// IsValid checks if the event kind is known.
func (k EventKind) IsValid() bool {
	switch k {
	case EventKindCreated, EventKindClaimed, EventKindStatusChanged,
		EventKindEscalated, EventKindResolved, EventKindReassigned:
		return true
	}
	return false
}

// IncidentEvent is an immutable record of one accepted incident write.
// Seq is the global log position assigned by the store; Version is the
// incident version the write produced.
type IncidentEvent struct {
	Seq        int64           `json:"seq"`
	IncidentID string          `json:"incident_id"`
	Version    int64           `json:"version"`
	Kind       EventKind       `json:"kind"`
	Actor      string          `json:"actor"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload"`
}

// CreatedPayload is carried by created events.
type CreatedPayload struct {
	AlertType        AlertType `json:"alert_type"`
	Priority         Priority  `json:"priority"`
	Title            string    `json:"title"`
	LocationRef      *string   `json:"location_ref,omitempty"`
	SLATargetMinutes int       `json:"sla_target_minutes"`
}

// ClaimedPayload is carried by claimed events.
type ClaimedPayload struct {
	ClaimedBy string `json:"claimed_by"`
}

// StatusChangedPayload is carried by status_changed events.
type StatusChangedPayload struct {
	From IncidentStatus `json:"from"`
	To   IncidentStatus `json:"to"`
}

// EscalatedPayload is carried by escalated events.
type EscalatedPayload struct {
	From        EscalationLevel `json:"from"`
	To          EscalationLevel `json:"to"`
	Reason      string          `json:"reason"`
	EscalatedBy string          `json:"escalated_by"`
}

// ResolvedPayload is carried by resolved events.
type ResolvedPayload struct {
	ResolutionType ResolutionType `json:"resolution_type"`
	Notes          string         `json:"notes,omitempty"`
}

// ReassignedPayload is carried by reassigned events.
type ReassignedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// NewIncidentEvent builds an event with a JSON encoded payload.
// Store fields (Seq, IncidentID, Version) are filled in on append.
func NewIncidentEvent(kind EventKind, actor string, at time.Time, payload any) *IncidentEvent {
	raw, err := json.Marshal(payload)
	if err != nil {
		// payload types in this package always marshal
		raw = json.RawMessage("{}")
	}
	return &IncidentEvent{
		Kind:    kind,
		Actor:   actor,
		At:      at,
		Payload: raw,
	}
}

// DecodePayload unmarshals the event payload into v.
func (e *IncidentEvent) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
