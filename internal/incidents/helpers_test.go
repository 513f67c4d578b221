package incidents_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
	"github.com/bissquit/incident-escalation/internal/incidents/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0         = time.Date(2026, 7, 4, 19, 0, 0, 0, time.UTC)
	reporter   = domain.Principal{UserID: "usher-7", Role: domain.RoleReporter}
	responderA = domain.Principal{UserID: "medic-a", Role: domain.RoleResponder}
	responderB = domain.Principal{UserID: "medic-b", Role: domain.RoleResponder}
	admin      = domain.Principal{UserID: "ops-admin", Role: domain.RoleAdmin}
)

// fakeClock is a settable clock shared by the service and the test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock {
	return &fakeClock{now: at}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingWaker struct {
	mu sync.Mutex
	n  int
}

func (w *countingWaker) Wake() {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
}

func (w *countingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func newTestService(t *testing.T) (*incidents.Service, *memory.Store, *fakeClock) {
	t.Helper()
	store := memory.NewStore()
	clock := newFakeClock(t0)
	svc := incidents.NewService(store, incidents.ServiceConfig{})
	svc.SetClock(clock.Now)
	return svc, store, clock
}

func report(t *testing.T, svc *incidents.Service, alertType domain.AlertType) *domain.Incident {
	t.Helper()
	inc, err := svc.ReportIncident(context.Background(), reporter, incidents.ReportInput{
		AlertType: alertType,
		Title:     string(alertType) + " near section 112",
	})
	require.NoError(t, err)
	return inc
}

// assertInvariants checks the structural invariants every stored incident
// must satisfy, plus the shape of its event log.
func assertInvariants(t *testing.T, store *memory.Store, id string) {
	t.Helper()
	ctx := context.Background()

	inc, err := store.Get(ctx, id)
	require.NoError(t, err)

	resolved := inc.Status == domain.StatusResolved
	assert.Equal(t, resolved, inc.ResolvedAt != nil, "resolved <=> resolved_at")
	assert.Equal(t, resolved, inc.ResolutionType != nil, "resolved <=> resolution_type")
	assert.Equal(t, inc.Status == domain.StatusReported, inc.ClaimedBy == nil, "unclaimed <=> reported")
	assert.True(t, inc.EscalationLevel.IsValid())
	assert.Equal(t, inc.EscalationLevel, domain.ReplayEscalationLevel(inc.EscalationHistory))

	prev := domain.EscalationNone
	for _, e := range inc.EscalationHistory {
		assert.Greater(t, e.Level, prev, "history levels strictly increase")
		prev = e.Level
	}

	events, err := store.IncidentEvents(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventKindCreated, events[0].Kind)
	assert.Len(t, events, int(inc.Version), "one event per accepted write")

	level := domain.EscalationNone
	var lastSeq int64
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Version, "versions step by one")
		assert.Greater(t, e.Seq, lastSeq)
		lastSeq = e.Seq
		if e.Kind == domain.EventKindEscalated {
			var p domain.EscalatedPayload
			require.NoError(t, e.DecodePayload(&p))
			assert.Greater(t, p.To, level, "escalation never decreases")
			level = p.To
		}
	}
	assert.Equal(t, inc.EscalationLevel, level)
}
