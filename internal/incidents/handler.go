package incidents

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/location"
	"github.com/bissquit/incident-escalation/internal/pkg/httputil"
	"github.com/bissquit/incident-escalation/internal/sla"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrValidation, Status: http.StatusBadRequest},
	{Error: ErrAlreadyClaimed, Status: http.StatusConflict, Message: "someone is already responding"},
	{Error: ErrNotOwner, Status: http.StatusForbidden, Message: "incident is owned by another responder"},
	{Error: ErrAlreadyResolved, Status: http.StatusConflict, Message: "incident already resolved"},
	{Error: ErrInvalidTransition, Status: http.StatusConflict, Message: "invalid status transition"},
	{Error: ErrLevelNotHigher, Status: http.StatusUnprocessableEntity, Message: "escalation level must be higher than current level"},
	{Error: ErrForbidden, Status: http.StatusForbidden, Message: "insufficient permissions"},
	{Error: ErrIncidentNotFound, Status: http.StatusNotFound, Message: "incident not found"},
	{Error: ErrVersionConflict, Status: http.StatusConflict, Message: "incident was modified concurrently, reload and retry"},
	{Error: ErrStoreUnavailable, Status: http.StatusServiceUnavailable, Message: "incident store unavailable"},
}

// Handler handles HTTP requests for incidents and the event log.
type Handler struct {
	service   *Service
	locations location.Directory
	validator *validator.Validate
}

// NewHandler creates a new incidents handler. locations may be nil.
func NewHandler(service *Service, locations location.Directory) *Handler {
	return &Handler{
		service:   service,
		locations: locations,
		validator: newValidator(),
	}
}

// RegisterRoutes registers incident routes (require a principal).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.ListIncidents)
		r.Post("/", h.ReportIncident)
		r.Get("/critical", h.ListCritical)
		r.Get("/stats", h.Stats)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetIncident)
			r.Get("/events", h.Timeline)
			r.Post("/claim", h.Claim)
			r.Post("/status", h.AdvanceStatus)
			r.Post("/resolve", h.Resolve)
			r.Post("/escalate", h.Escalate)
			r.Post("/reassign", h.Reassign)
		})
	})

	r.Get("/events", h.ListEvents)
}

// IncidentView is an incident decorated with its SLA clock and location name.
type IncidentView struct {
	*domain.Incident
	sla.View
	LocationName string `json:"location_name,omitempty"`
}

// EventPage is a page of the global event log.
type EventPage struct {
	Events    []*domain.IncidentEvent `json:"events"`
	NextAfter int64                   `json:"next_after"`
}

// ClaimRequest represents the optional body of a claim.
type ClaimRequest struct {
	ExpectedVersion *int64 `json:"expected_version" validate:"omitempty,min=1"`
}

// StatusRequest represents request body for advancing status.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=on_scene stabilized"`
}

// ResolveRequest represents request body for resolving an incident.
type ResolveRequest struct {
	ResolutionType string `json:"resolution_type" validate:"required,oneof=handled_internally external_services_called false_alarm deferred"`
	Notes          string `json:"notes" validate:"max=2000"`
}

// EscalateRequest represents request body for a manual escalation.
type EscalateRequest struct {
	Level  int    `json:"level" validate:"required,min=1,max=4"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// ReassignRequest represents request body for reassigning an incident.
type ReassignRequest struct {
	ResponderRef string `json:"responder_ref" validate:"required,max=100"`
}

// ReportIncident handles POST /incidents.
func (h *Handler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req ReportInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	inc, err := h.service.ReportIncident(r.Context(), p, req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, h.view(inc, h.service.Now()))
}

// ListIncidents handles GET /incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := Filter{Limit: limit}
	switch State(q.Get("state")) {
	case StateActive, "":
		filter.State = StateActive
	case StateResolved:
		filter.State = StateResolved
	case "all":
		filter.State = StateAll
	default:
		httputil.Error(w, http.StatusBadRequest, "state must be one of: active, resolved, all")
		return
	}
	if v := q.Get("alert_type"); v != "" {
		at := domain.AlertType(v)
		if !at.IsValid() {
			httputil.Error(w, http.StatusBadRequest, "unknown alert_type")
			return
		}
		filter.AlertType = &at
	}
	if v := q.Get("priority"); v != "" {
		pr := domain.Priority(v)
		if pr != domain.PriorityCritical && pr != domain.PriorityHigh {
			httputil.Error(w, http.StatusBadRequest, "priority must be one of: critical, high")
			return
		}
		filter.Priority = &pr
	}

	list, err := h.service.ListIncidents(r.Context(), filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.views(list))
}

// ListCritical handles GET /incidents/critical.
func (h *Handler) ListCritical(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListCriticalIncidents(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, h.views(list))
}

// Stats handles GET /incidents/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, stats)
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.service.GetIncident(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// Timeline handles GET /incidents/{id}/events.
func (h *Handler) Timeline(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.IncidentTimeline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	httputil.Success(w, http.StatusOK, events)
}

// Claim handles POST /incidents/{id}/claim.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	// the body is optional
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	var (
		inc *domain.Incident
		err error
	)
	if req.ExpectedVersion != nil {
		inc, err = h.service.ClaimIncidentAt(r.Context(), p, id, *req.ExpectedVersion)
	} else {
		inc, err = h.service.ClaimIncident(r.Context(), p, id)
	}
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// AdvanceStatus handles POST /incidents/{id}/status.
func (h *Handler) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req StatusRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.AdvanceStatus(r.Context(), p, chi.URLParam(r, "id"), domain.IncidentStatus(req.Status))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// Resolve handles POST /incidents/{id}/resolve.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req ResolveRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.ResolveIncident(r.Context(), p, chi.URLParam(r, "id"),
		domain.ResolutionType(req.ResolutionType), req.Notes)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// Escalate handles POST /incidents/{id}/escalate.
func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req EscalateRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.EscalateIncident(r.Context(), p, chi.URLParam(r, "id"),
		domain.EscalationLevel(req.Level), req.Reason)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// Reassign handles POST /incidents/{id}/reassign.
func (h *Handler) Reassign(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req ReassignRequest
	if !h.decode(w, r, &req) {
		return
	}

	inc, err := h.service.ReassignIncident(r.Context(), p, chi.URLParam(r, "id"), req.ResponderRef)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, h.view(inc, h.service.Now()))
}

// ListEvents handles GET /events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var after int64
	if v := q.Get("after"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seq < 0 {
			httputil.Error(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = seq
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := h.service.EventsAfter(r.Context(), after, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	page := EventPage{Events: events, NextAfter: after}
	if n := len(events); n > 0 {
		page.NextAfter = events[n-1].Seq
	}
	httputil.Success(w, http.StatusOK, page)
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, ok := httputil.GetPrincipal(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "missing principal")
		return domain.Principal{}, false
	}
	return p, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := h.validator.Struct(v); err != nil {
		httputil.ValidationError(w, err)
		return false
	}
	return true
}

func (h *Handler) view(inc *domain.Incident, now time.Time) IncidentView {
	return IncidentView{
		Incident:     inc,
		View:         sla.NewView(inc.CreatedAt, inc.SLATargetMinutes, now),
		LocationName: location.NameOf(h.locations, inc.LocationRef),
	}
}

func (h *Handler) views(list []*domain.Incident) []IncidentView {
	now := h.service.Now()
	out := make([]IncidentView, 0, len(list))
	for _, inc := range list {
		out = append(out, h.view(inc, now))
	}
	return out
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(maxListLimit))
	}
	return n, nil
}
