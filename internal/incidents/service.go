// Package incidents implements the incident lifecycle: reporting, claiming,
// status transitions, resolution and escalation, on top of a versioned store.
package incidents

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultMaxConflictRetries is used when ServiceConfig leaves it unset.
const DefaultMaxConflictRetries = 3

// Waker is poked after every accepted write so event consumers can pick up
// the new log entry without waiting for their next poll.
type Waker interface {
	Wake()
}

// ServiceConfig holds engine tuning.
type ServiceConfig struct {
	MaxConflictRetries int
}

// Service implements incident business logic.
type Service struct {
	repo       Repository
	arbiter    *ClaimArbiter
	validate   *validator.Validate
	waker      Waker
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// NewService creates a new incident service.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	retries := cfg.MaxConflictRetries
	if retries <= 0 {
		retries = DefaultMaxConflictRetries
	}
	s := &Service{
		repo:       repo,
		arbiter:    NewClaimArbiter(repo),
		validate:   newValidator(),
		maxRetries: retries,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	s.arbiter.now = func() time.Time { return s.now() }
	return s
}

// SetWaker registers the component notified after each accepted write.
func (s *Service) SetWaker(w Waker) {
	s.waker = w
}

// ReportInput holds data for reporting an incident.
type ReportInput struct {
	AlertType        domain.AlertType `json:"alert_type" validate:"required"`
	Title            string           `json:"title" validate:"required,max=200"`
	Description      string           `json:"description" validate:"max=4000"`
	LocationRef      *string          `json:"location_ref" validate:"omitempty,min=1,max=100"`
	LocationDetails  string           `json:"location_details" validate:"max=500"`
	SLATargetMinutes *int             `json:"sla_target_minutes" validate:"omitempty,min=1,max=1440"`
}

// ReportIncident creates a new incident in the reported state.
func (s *Service) ReportIncident(ctx context.Context, p domain.Principal, input ReportInput) (*domain.Incident, error) {
	if strings.TrimSpace(p.UserID) == "" {
		return nil, invalid("reporter_ref", "is required")
	}
	input.Title = strings.TrimSpace(input.Title)
	if err := s.validate.Struct(input); err != nil {
		return nil, validationFromStruct(err)
	}
	if !input.AlertType.IsValid() {
		return nil, invalid("alert_type", fmt.Sprintf("unknown alert type %q", input.AlertType))
	}

	target := input.AlertType.DefaultSLAMinutes()
	if input.SLATargetMinutes != nil {
		target = *input.SLATargetMinutes
	}

	now := s.now().UTC()
	inc := &domain.Incident{
		ID:                s.newID(),
		AlertType:         input.AlertType,
		Title:             input.Title,
		Description:       input.Description,
		LocationRef:       input.LocationRef,
		LocationDetails:   input.LocationDetails,
		ReporterRef:       p.UserID,
		Priority:          input.AlertType.Priority(),
		Status:            domain.StatusReported,
		SLATargetMinutes:  target,
		EscalationLevel:   domain.EscalationNone,
		CreatedAt:         now,
		UpdatedAt:         now,
		EscalationHistory: []domain.EscalationEntry{},
		Version:           1,
	}
	created := domain.NewIncidentEvent(domain.EventKindCreated, p.UserID, now, domain.CreatedPayload{
		AlertType:        inc.AlertType,
		Priority:         inc.Priority,
		Title:            inc.Title,
		LocationRef:      inc.LocationRef,
		SLATargetMinutes: inc.SLATargetMinutes,
	})

	stored, err := s.repo.Insert(ctx, inc, created)
	recordTransition(domain.EventKindCreated, err)
	if err != nil {
		return nil, fmt.Errorf("insert incident: %w", err)
	}
	s.wake()

	ctxlog.FromContext(ctx).Info("incident reported",
		"incident_id", stored.ID,
		"alert_type", stored.AlertType,
		"priority", stored.Priority,
		"sla_target_minutes", stored.SLATargetMinutes,
	)
	return stored, nil
}

// ClaimIncident assigns the incident to the calling responder, retrying on
// version conflicts.
func (s *Service) ClaimIncident(ctx context.Context, p domain.Principal, id string) (*domain.Incident, error) {
	return s.claim(ctx, p, id, nil)
}

// ClaimIncidentAt claims the incident only if it is still at expectedVersion.
// It never retries.
func (s *Service) ClaimIncidentAt(ctx context.Context, p domain.Principal, id string, expectedVersion int64) (*domain.Incident, error) {
	return s.claim(ctx, p, id, &expectedVersion)
}

func (s *Service) claim(ctx context.Context, p domain.Principal, id string, expected *int64) (*domain.Incident, error) {
	if err := requireActor(p); err != nil {
		return nil, err
	}
	return s.apply(ctx, id, expected, domain.EventKindClaimed, func(version int64) (*domain.Incident, *domain.IncidentEvent, error) {
		return s.arbiter.Claim(ctx, id, p.UserID, version)
	})
}

// AdvanceStatus moves an owned incident one step along the response ladder.
func (s *Service) AdvanceStatus(ctx context.Context, p domain.Principal, id string, target domain.IncidentStatus) (*domain.Incident, error) {
	if err := requireActor(p); err != nil {
		return nil, err
	}
	return s.mutate(ctx, id, domain.EventKindStatusChanged, func(now time.Time) Mutator {
		return advanceMutator(p.UserID, target, now)
	})
}

// ResolveIncident closes an owned incident.
func (s *Service) ResolveIncident(ctx context.Context, p domain.Principal, id string, resolution domain.ResolutionType, notes string) (*domain.Incident, error) {
	if err := requireActor(p); err != nil {
		return nil, err
	}
	if !resolution.IsValid() {
		return nil, invalid("resolution_type", "is required and must be a known resolution type")
	}
	return s.mutate(ctx, id, domain.EventKindResolved, func(now time.Time) Mutator {
		return resolveMutator(p.UserID, resolution, strings.TrimSpace(notes), now)
	})
}

// EscalateIncident raises the escalation level to target.
func (s *Service) EscalateIncident(ctx context.Context, p domain.Principal, id string, target domain.EscalationLevel, reason string) (*domain.Incident, error) {
	if err := requireActor(p); err != nil {
		return nil, err
	}
	if target < domain.EscalationLevel1 || target > domain.MaxEscalationLevel {
		return nil, invalid("level", fmt.Sprintf("must be between %d and %d", domain.EscalationLevel1, domain.MaxEscalationLevel))
	}
	reason = normalizeReason(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}
	inc, err := s.mutate(ctx, id, domain.EventKindEscalated, func(now time.Time) Mutator {
		return escalateMutator(p.UserID, target, reason, now)
	})
	if err == nil {
		recordEscalation("manual")
	}
	return inc, err
}

// ReassignIncident hands an owned incident to another responder. Admin only.
func (s *Service) ReassignIncident(ctx context.Context, p domain.Principal, id, responder string) (*domain.Incident, error) {
	if err := requireActor(p); err != nil {
		return nil, err
	}
	if !p.Role.HasPermission(domain.RoleAdmin) {
		recordTransition(domain.EventKindReassigned, ErrForbidden)
		return nil, ErrForbidden
	}
	responder = strings.TrimSpace(responder)
	if responder == "" {
		return nil, invalid("responder_ref", "is required")
	}
	return s.mutate(ctx, id, domain.EventKindReassigned, func(now time.Time) Mutator {
		return reassignMutator(p.UserID, responder, now)
	})
}

// autoEscalate raises an overdue incident one level on behalf of the
// scheduler. expectedVersion is the version the sweep observed; it is never
// retried here, the next tick re-reads instead.
func (s *Service) autoEscalate(ctx context.Context, id string, expectedVersion int64) (*domain.Incident, error) {
	inc, _, err := s.repo.CompareAndSwap(ctx, id, expectedVersion, autoEscalateMutator(s.now().UTC()))
	if errors.Is(err, errNotDue) {
		return nil, err
	}
	recordTransition(domain.EventKindEscalated, err)
	if err != nil {
		return nil, err
	}
	recordEscalation("sla")
	s.wake()
	return inc, nil
}

// GetIncident retrieves an incident by ID.
func (s *Service) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	return s.repo.Get(ctx, id)
}

// ListIncidents retrieves incidents matching filter.
func (s *Service) ListIncidents(ctx context.Context, filter Filter) ([]*domain.Incident, error) {
	return s.repo.List(ctx, filter)
}

// ListActiveIncidents returns every incident that is not resolved.
func (s *Service) ListActiveIncidents(ctx context.Context) ([]*domain.Incident, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	return Active(list), nil
}

// ListCriticalIncidents returns active incidents with critical priority.
func (s *Service) ListCriticalIncidents(ctx context.Context) ([]*domain.Incident, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	return Critical(list), nil
}

// ListResolvedIncidents returns up to limit resolved incidents, newest
// resolution first.
func (s *Service) ListResolvedIncidents(ctx context.Context, limit int) ([]*domain.Incident, error) {
	list, err := s.repo.List(ctx, Filter{State: StateResolved, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list resolved incidents: %w", err)
	}
	return list, nil
}

// Stats returns counts over the active incidents.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	list, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	return ComputeStats(list, s.now()), nil
}

// IncidentTimeline returns the events of one incident, oldest first.
func (s *Service) IncidentTimeline(ctx context.Context, id string) ([]*domain.IncidentEvent, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.IncidentEvents(ctx, id)
}

// EventsAfter returns a page of the global event log.
func (s *Service) EventsAfter(ctx context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error) {
	return s.repo.EventsAfter(ctx, seq, limit)
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// mutate runs a transition built from the current clock, retrying on
// version conflicts.
func (s *Service) mutate(ctx context.Context, id string, kind domain.EventKind, build func(now time.Time) Mutator) (*domain.Incident, error) {
	return s.apply(ctx, id, nil, kind, func(version int64) (*domain.Incident, *domain.IncidentEvent, error) {
		return s.repo.CompareAndSwap(ctx, id, version, build(s.now().UTC()))
	})
}

// apply drives a CAS attempt. With expected == nil it re-reads the current
// version and retries conflicts up to maxRetries times; guards re-run on every
// attempt, so a retry after a lost race is rejected rather than re-applied.
func (s *Service) apply(
	ctx context.Context,
	id string,
	expected *int64,
	kind domain.EventKind,
	attempt func(version int64) (*domain.Incident, *domain.IncidentEvent, error),
) (*domain.Incident, error) {
	attempts := s.maxRetries + 1
	if expected != nil {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		var version int64
		if expected != nil {
			version = *expected
		} else {
			current, err := s.repo.Get(ctx, id)
			if err != nil {
				recordTransition(kind, err)
				return nil, err
			}
			version = current.Version
		}

		inc, event, err := attempt(version)
		if err == nil {
			recordTransition(kind, nil)
			s.wake()
			ctxlog.FromContext(ctx).Info("incident transition",
				"incident_id", id,
				"kind", kind,
				"version", inc.Version,
				"seq", event.Seq,
				"actor", event.Actor,
			)
			return inc, nil
		}
		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
		ctxlog.FromContext(ctx).Debug("version conflict, retrying",
			"incident_id", id,
			"kind", kind,
			"attempt", i+1,
		)
	}

	recordTransition(kind, lastErr)
	return nil, lastErr
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

func requireActor(p domain.Principal) error {
	if strings.TrimSpace(p.UserID) == "" {
		return invalid("principal", "is required")
	}
	return nil
}

func validationFromStruct(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return &ValidationError{
			Field:  verrs[0].Field(),
			Reason: "failed on " + verrs[0].Tag(),
			Err:    verrs,
		}
	}
	return &ValidationError{Reason: err.Error(), Err: err}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
