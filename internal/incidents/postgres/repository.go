// Package postgres provides PostgreSQL implementation of incidents repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgInvalidTextRepresentation = "22P02"
	pgUniqueViolation           = "23505"
)

const incidentColumns = `
	id, alert_type, title, description, location_ref, location_details,
	reporter_ref, priority, status, sla_target_minutes, escalation_level,
	claimed_by, created_at, updated_at, resolved_at, resolution_type,
	resolution_notes, escalation_history, version`

const eventColumns = `seq, incident_id, version, kind, actor, at, payload`

// Repository implements incidents.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert stores a new incident and its created event in one transaction.
func (r *Repository) Insert(ctx context.Context, inc *domain.Incident, created *domain.IncidentEvent) (*domain.Incident, error) {
	stored := inc.Clone()
	stored.Version = 1

	history, err := json.Marshal(stored.EscalationHistory)
	if err != nil {
		return nil, fmt.Errorf("marshal escalation history: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer rollback(ctx, tx)

	query := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err = tx.Exec(ctx, query,
		stored.ID,
		stored.AlertType,
		stored.Title,
		stored.Description,
		stored.LocationRef,
		stored.LocationDetails,
		stored.ReporterRef,
		stored.Priority,
		stored.Status,
		stored.SLATargetMinutes,
		int16(stored.EscalationLevel),
		stored.ClaimedBy,
		stored.CreatedAt,
		stored.UpdatedAt,
		stored.ResolvedAt,
		stored.ResolutionType,
		stored.ResolutionNotes,
		history,
		stored.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("insert incident %s: duplicate id", stored.ID)
		}
		return nil, unavailable("insert incident", err)
	}

	if _, err := appendEvent(ctx, tx, stored, created); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit transaction", err)
	}
	return stored, nil
}

// Get retrieves an incident by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	inc, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr("get incident", err)
	}
	return inc, nil
}

// CompareAndSwap locks the incident row, applies mutate if the stored version
// equals expectedVersion, and writes the new state and its event in the same
// transaction.
func (r *Repository) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate incidents.Mutator) (*domain.Incident, *domain.IncidentEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, unavailable("begin transaction", err)
	}
	defer rollback(ctx, tx)

	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1 FOR UPDATE`
	current, err := scanIncident(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, nil, notFoundOr("lock incident", err)
	}
	if current.Version != expectedVersion {
		return nil, nil, incidents.ErrVersionConflict
	}

	next := current.Clone()
	event, err := mutate(next)
	if err != nil {
		return nil, nil, err
	}
	if event == nil {
		return nil, nil, errors.New("mutator returned no event")
	}
	next.ID = current.ID
	next.Version = expectedVersion + 1
	next.UpdatedAt = event.At

	history, err := json.Marshal(next.EscalationHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal escalation history: %w", err)
	}

	update := `
		UPDATE incidents
		SET status = $2,
			escalation_level = $3,
			claimed_by = $4,
			updated_at = $5,
			resolved_at = $6,
			resolution_type = $7,
			resolution_notes = $8,
			escalation_history = $9,
			version = $10
		WHERE id = $1 AND version = $11
	`
	tag, err := tx.Exec(ctx, update,
		next.ID,
		next.Status,
		int16(next.EscalationLevel),
		next.ClaimedBy,
		next.UpdatedAt,
		next.ResolvedAt,
		next.ResolutionType,
		next.ResolutionNotes,
		history,
		next.Version,
		expectedVersion,
	)
	if err != nil {
		return nil, nil, unavailable("update incident", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, nil, incidents.ErrVersionConflict
	}

	appended, err := appendEvent(ctx, tx, next, event)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, unavailable("commit transaction", err)
	}
	return next, appended, nil
}

// List retrieves incidents with optional filters, newest first.
func (r *Repository) List(ctx context.Context, filter incidents.Filter) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	switch filter.State {
	case incidents.StateActive:
		query += " AND status <> 'resolved'"
	case incidents.StateResolved:
		query += " AND status = 'resolved'"
	}

	if filter.AlertType != nil {
		query += fmt.Sprintf(" AND alert_type = $%d", argNum)
		args = append(args, *filter.AlertType)
		argNum++
	}

	if filter.Priority != nil {
		query += fmt.Sprintf(" AND priority = $%d", argNum)
		args = append(args, *filter.Priority)
		argNum++
	}

	if filter.State == incidents.StateResolved {
		query += " ORDER BY resolved_at DESC, created_at DESC"
	} else {
		query += " ORDER BY created_at DESC"
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	return r.queryIncidents(ctx, "list incidents", query, args...)
}

// ListActive returns every unresolved incident, oldest first.
func (r *Repository) ListActive(ctx context.Context) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE status <> 'resolved' ORDER BY created_at ASC`
	return r.queryIncidents(ctx, "list active incidents", query)
}

// IncidentEvents returns the events of one incident in version order.
func (r *Repository) IncidentEvents(ctx context.Context, incidentID string) ([]*domain.IncidentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM incident_events WHERE incident_id = $1 ORDER BY version ASC`
	list, err := r.queryEvents(ctx, "list incident events", query, incidentID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepresentation {
			return []*domain.IncidentEvent{}, nil
		}
		return nil, err
	}
	return list, nil
}

// EventsAfter returns up to limit events with seq greater than seq.
func (r *Repository) EventsAfter(ctx context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM incident_events WHERE seq > $1 ORDER BY seq ASC`
	args := []interface{}{seq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return r.queryEvents(ctx, "list events", query, args...)
}

// LatestEventSeq returns the highest assigned seq, or 0 for an empty log.
func (r *Repository) LatestEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM incident_events`).Scan(&seq)
	if err != nil {
		return 0, unavailable("latest event seq", err)
	}
	return seq, nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (r *Repository) queryIncidents(ctx context.Context, op, query string, args ...interface{}) ([]*domain.Incident, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	list := make([]*domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		list = append(list, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return list, nil
}

func (r *Repository) queryEvents(ctx context.Context, op, query string, args ...interface{}) ([]*domain.IncidentEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	list := make([]*domain.IncidentEvent, 0)
	for rows.Next() {
		var (
			e       domain.IncidentEvent
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.IncidentID, &e.Version, &e.Kind, &e.Actor, &e.At, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.At = e.At.UTC()
		e.Payload = payload
		list = append(list, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return list, nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, inc *domain.Incident, event *domain.IncidentEvent) (*domain.IncidentEvent, error) {
	e := *event
	e.IncidentID = inc.ID
	e.Version = inc.Version
	payload := []byte(e.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO incident_events (incident_id, version, kind, actor, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq
	`
	err := tx.QueryRow(ctx, query, e.IncidentID, e.Version, e.Kind, e.Actor, e.At, payload).Scan(&e.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, incidents.ErrVersionConflict
		}
		return nil, unavailable("append event", err)
	}

	event.Seq, event.IncidentID, event.Version = e.Seq, e.IncidentID, e.Version
	return &e, nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var (
		inc     domain.Incident
		history []byte
	)
	err := row.Scan(
		&inc.ID,
		&inc.AlertType,
		&inc.Title,
		&inc.Description,
		&inc.LocationRef,
		&inc.LocationDetails,
		&inc.ReporterRef,
		&inc.Priority,
		&inc.Status,
		&inc.SLATargetMinutes,
		&inc.EscalationLevel,
		&inc.ClaimedBy,
		&inc.CreatedAt,
		&inc.UpdatedAt,
		&inc.ResolvedAt,
		&inc.ResolutionType,
		&inc.ResolutionNotes,
		&history,
		&inc.Version,
	)
	if err != nil {
		return nil, err
	}

	inc.EscalationHistory = []domain.EscalationEntry{}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &inc.EscalationHistory); err != nil {
			return nil, fmt.Errorf("unmarshal escalation history: %w", err)
		}
		if inc.EscalationHistory == nil {
			inc.EscalationHistory = []domain.EscalationEntry{}
		}
	}

	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()
	if inc.ResolvedAt != nil {
		t := inc.ResolvedAt.UTC()
		inc.ResolvedAt = &t
	}
	for i := range inc.EscalationHistory {
		inc.EscalationHistory[i].At = inc.EscalationHistory[i].At.UTC()
	}
	return &inc, nil
}

// notFoundOr maps missing rows and malformed ids to ErrIncidentNotFound and
// everything else to ErrStoreUnavailable.
func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return incidents.ErrIncidentNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgInvalidTextRepresentation {
		return incidents.ErrIncidentNotFound
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, incidents.ErrStoreUnavailable, err)
}

func rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Error("failed to rollback transaction", "error", err)
	}
}

var _ incidents.Repository = (*Repository)(nil)
