package incidents_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
	"github.com/bissquit/incident-escalation/internal/incidents/memory"
	"github.com/bissquit/incident-escalation/internal/location"
	"github.com/bissquit/incident-escalation/internal/pkg/httputil"
	"github.com/bissquit/incident-escalation/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type incidentEnvelope struct {
	Data incidents.IncidentView `json:"data"`
}

type listEnvelope struct {
	Data []incidents.IncidentView `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		ClaimedBy string `json:"claimed_by"`
	} `json:"error"`
}

type testAPI struct {
	client *testutil.Client
	store  *memory.Store
	clock  *fakeClock
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	svc, store, clock := newTestService(t)

	dir, err := location.NewStaticDirectory("Riverside Stadium", []location.Location{
		{Ref: "stand-12", Name: "North Grill"},
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.PrincipalMiddleware)
		incidents.NewHandler(svc, dir).RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	validator := testutil.NewOpenAPIValidator(t, "../../api/openapi/openapi.yaml")
	return &testAPI{
		client: testutil.NewClientWithValidator(srv.URL, validator),
		store:  store,
		clock:  clock,
	}
}

func (a *testAPI) as(t *testing.T, p domain.Principal) *testutil.Client {
	return a.client.As(t, p.UserID, p.Role)
}

func (a *testAPI) report(t *testing.T, body map[string]any) incidents.IncidentView {
	t.Helper()
	resp, err := a.as(t, reporter).POST("/api/v1/incidents", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	return out.Data
}

func expectError(t *testing.T, resp *http.Response, status int) errorEnvelope {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	var out errorEnvelope
	testutil.DecodeJSON(t, resp, &out)
	return out
}

func TestHandler_ReportIncident(t *testing.T) {
	api := newTestAPI(t)

	inc := api.report(t, map[string]any{
		"alert_type":       "fire",
		"title":            "Fryer fire",
		"location_ref":     "stand-12",
		"location_details": "behind the counter",
	})

	assert.Equal(t, domain.StatusReported, inc.Status)
	assert.Equal(t, domain.PriorityCritical, inc.Priority)
	assert.Equal(t, reporter.UserID, inc.ReporterRef)
	assert.Equal(t, "North Grill", inc.LocationName)
	assert.Equal(t, int64(120), inc.RemainingSeconds)
	assert.False(t, inc.Overdue)
	assert.Equal(t, t0.Add(2*time.Minute), inc.Deadline)
	assertInvariants(t, api.store, inc.ID)

	t.Run("unknown location is not an error", func(t *testing.T) {
		other := api.report(t, map[string]any{
			"alert_type":   "equipment",
			"title":        "Ice machine leaking",
			"location_ref": "stand-99",
		})
		assert.Empty(t, other.LocationName)
		require.NotNil(t, other.LocationRef)
		assert.Equal(t, "stand-99", *other.LocationRef)
	})

	tests := []struct {
		name   string
		client *testutil.Client
		body   any
		status int
	}{
		{"unknown alert type", api.as(t, reporter), map[string]any{"alert_type": "flood", "title": "x"}, http.StatusBadRequest},
		{"missing title", api.as(t, reporter), map[string]any{"alert_type": "fire"}, http.StatusBadRequest},
		{"bad sla", api.as(t, reporter), map[string]any{"alert_type": "fire", "title": "x", "sla_target_minutes": 0}, http.StatusBadRequest},
		{"invalid json", api.as(t, reporter), "not an object", http.StatusBadRequest},
		{"no principal", api.client.Anonymous(t), map[string]any{"alert_type": "fire", "title": "x"}, http.StatusUnauthorized},
		{"unknown role", api.client.As(t, "usher-7", "janitor"), map[string]any{"alert_type": "fire", "title": "x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.client.POST("/api/v1/incidents", tt.body)
			require.NoError(t, err)
			expectError(t, resp, tt.status)
		})
	}
}

// Medical: A claims, B is told someone is responding, A resolves as a false alarm.
func TestHandler_MedicalClaimRace(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "medical", "title": "Fan collapsed"})
	path := "/api/v1/incidents/" + inc.ID

	resp, err := api.as(t, responderA).POST(path+"/claim", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var claimed incidentEnvelope
	testutil.DecodeJSON(t, resp, &claimed)
	assert.Equal(t, domain.StatusDispatched, claimed.Data.Status)
	require.NotNil(t, claimed.Data.ClaimedBy)
	assert.Equal(t, responderA.UserID, *claimed.Data.ClaimedBy)

	resp, err = api.as(t, responderB).POST(path+"/claim", nil)
	require.NoError(t, err)
	lost := expectError(t, resp, http.StatusConflict)
	assert.Equal(t, "someone is already responding", lost.Error.Message)
	assert.Equal(t, responderA.UserID, lost.Error.ClaimedBy)

	resp, err = api.as(t, responderB).POST(path+"/status", map[string]any{"status": "on_scene"})
	require.NoError(t, err)
	expectError(t, resp, http.StatusForbidden)

	resp, err = api.as(t, responderA).POST(path+"/resolve", map[string]any{
		"resolution_type": "false_alarm",
		"notes":           "fan was fine",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resolved incidentEnvelope
	testutil.DecodeJSON(t, resp, &resolved)
	assert.Equal(t, domain.StatusResolved, resolved.Data.Status)
	require.NotNil(t, resolved.Data.ResolutionType)
	assert.Equal(t, domain.ResolutionFalseAlarm, *resolved.Data.ResolutionType)
	require.NotNil(t, resolved.Data.ResolvedAt)

	resp, err = api.as(t, responderA).POST(path+"/resolve", map[string]any{"resolution_type": "deferred"})
	require.NoError(t, err)
	expectError(t, resp, http.StatusConflict)

	assertInvariants(t, api.store, inc.ID)
}

func TestHandler_StatusLadder(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "security", "title": "Fight at gate A"})
	path := "/api/v1/incidents/" + inc.ID
	a := api.as(t, responderA)

	resp, err := a.POST(path+"/status", map[string]any{"status": "on_scene"})
	require.NoError(t, err)
	expectError(t, resp, http.StatusConflict)

	resp, err = a.POST(path+"/claim", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, status := range []string{"on_scene", "stabilized"} {
		resp, err = a.POST(path+"/status", map[string]any{"status": status})
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, status)
		var out incidentEnvelope
		testutil.DecodeJSON(t, resp, &out)
		assert.Equal(t, domain.IncidentStatus(status), out.Data.Status)
	}

	resp, err = a.POST(path+"/status", map[string]any{"status": "resolved"})
	require.NoError(t, err)
	expectError(t, resp, http.StatusBadRequest)

	assertInvariants(t, api.store, inc.ID)
}

func TestHandler_ClaimExpectedVersion(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "crowd", "title": "Crush at section 101"})
	path := "/api/v1/incidents/" + inc.ID

	resp, err := api.as(t, responderA).POST(path+"/escalate", map[string]any{"level": 1, "reason": "growing"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = api.as(t, responderB).POST(path+"/claim", map[string]any{"expected_version": inc.Version})
	require.NoError(t, err)
	expectError(t, resp, http.StatusConflict)

	resp, err = api.as(t, responderB).POST(path+"/claim", map[string]any{"expected_version": inc.Version + 1})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	// pinned at the version B's claim consumed: A lost to B, not to a conflict
	resp, err = api.as(t, responderA).POST(path+"/claim", map[string]any{"expected_version": inc.Version + 1})
	require.NoError(t, err)
	lost := expectError(t, resp, http.StatusConflict)
	assert.Equal(t, "someone is already responding", lost.Error.Message)
	assert.Equal(t, responderB.UserID, lost.Error.ClaimedBy)

	resp, err = api.as(t, responderB).POST(path+"/claim", map[string]any{"expected_version": 0})
	require.NoError(t, err)
	expectError(t, resp, http.StatusBadRequest)
}

// Equipment: escalating to level2 then asking for level1 is rejected.
func TestHandler_Escalate(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "equipment", "title": "Walk-in freezer warm"})
	path := "/api/v1/incidents/" + inc.ID

	resp, err := api.as(t, reporter).POST(path+"/escalate", map[string]any{"level": 2, "reason": "food safety"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	assert.Equal(t, domain.EscalationLevel2, out.Data.EscalationLevel)
	require.Len(t, out.Data.EscalationHistory, 1)
	assert.Equal(t, "food safety", out.Data.EscalationHistory[0].Reason)

	resp, err = api.as(t, reporter).POST(path+"/escalate", map[string]any{"level": 1, "reason": "lower"})
	require.NoError(t, err)
	expectError(t, resp, http.StatusUnprocessableEntity)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"level above max", map[string]any{"level": 5, "reason": "x"}},
		{"missing reason", map[string]any{"level": 3}},
		{"missing level", map[string]any{"reason": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := api.as(t, reporter).POST(path+"/escalate", tt.body)
			require.NoError(t, err)
			expectError(t, resp, http.StatusBadRequest)
		})
	}

	assertInvariants(t, api.store, inc.ID)
}

func TestHandler_Reassign(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "weather", "title": "Lightning nearby"})
	path := "/api/v1/incidents/" + inc.ID

	resp, err := api.as(t, responderA).POST(path+"/claim", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = api.as(t, responderA).POST(path+"/reassign", map[string]any{"responder_ref": responderB.UserID})
	require.NoError(t, err)
	expectError(t, resp, http.StatusForbidden)

	resp, err = api.as(t, admin).POST(path+"/reassign", map[string]any{"responder_ref": responderB.UserID})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	require.NotNil(t, out.Data.ClaimedBy)
	assert.Equal(t, responderB.UserID, *out.Data.ClaimedBy)
	assert.Equal(t, domain.StatusDispatched, out.Data.Status)

	resp, err = api.as(t, admin).POST(path+"/reassign", map[string]any{"responder_ref": responderB.UserID})
	require.NoError(t, err)
	expectError(t, resp, http.StatusConflict)

	resp, err = api.as(t, admin).POST(path+"/reassign", map[string]any{})
	require.NoError(t, err)
	expectError(t, resp, http.StatusBadRequest)

	assertInvariants(t, api.store, inc.ID)
}

func TestHandler_GetIncident(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "fire", "title": "Grease fire"})

	api.clock.Advance(121 * time.Second)

	resp, err := api.as(t, responderA).GET("/api/v1/incidents/" + inc.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	assert.Equal(t, int64(-1), out.Data.RemainingSeconds)
	assert.True(t, out.Data.Overdue)

	resp, err = api.as(t, responderA).GET("/api/v1/incidents/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	got := expectError(t, resp, http.StatusNotFound)
	assert.Equal(t, "incident not found", got.Error.Message)
}

func TestHandler_ListIncidents(t *testing.T) {
	api := newTestAPI(t)
	fire := api.report(t, map[string]any{"alert_type": "fire", "title": "Fryer fire"})
	api.clock.Advance(time.Second)
	spill := api.report(t, map[string]any{"alert_type": "other", "title": "Soda spill"})
	api.clock.Advance(time.Second)
	medical := api.report(t, map[string]any{"alert_type": "medical", "title": "Dehydration"})

	a := api.as(t, responderA)
	resp, err := a.POST("/api/v1/incidents/"+spill.ID+"/claim", nil)
	require.NoError(t, err)
	_ = testutil.ReadBody(t, resp)
	resp, err = a.POST("/api/v1/incidents/"+spill.ID+"/resolve", map[string]any{"resolution_type": "handled_internally"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = testutil.ReadBody(t, resp)

	ids := func(path string) []string {
		t.Helper()
		resp, err := a.GET(path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		var out listEnvelope
		testutil.DecodeJSON(t, resp, &out)
		got := make([]string, 0, len(out.Data))
		for _, inc := range out.Data {
			got = append(got, inc.ID)
		}
		return got
	}

	assert.ElementsMatch(t, []string{fire.ID, medical.ID}, ids("/api/v1/incidents"))
	assert.Equal(t, []string{spill.ID}, ids("/api/v1/incidents?state=resolved"))
	assert.Len(t, ids("/api/v1/incidents?state=all"), 3)
	assert.Len(t, ids("/api/v1/incidents?state=all&limit=2"), 2)
	assert.Equal(t, []string{medical.ID}, ids("/api/v1/incidents?alert_type=medical"))
	assert.Empty(t, ids("/api/v1/incidents?state=resolved&priority=critical"))
	assert.ElementsMatch(t, []string{fire.ID, medical.ID}, ids("/api/v1/incidents/critical"))

	for _, bad := range []string{"?state=open", "?limit=0", "?limit=abc", "?alert_type=flood", "?priority=low"} {
		resp, err := a.GET("/api/v1/incidents" + bad)
		require.NoError(t, err)
		expectError(t, resp, http.StatusBadRequest)
	}
}

func TestHandler_Stats(t *testing.T) {
	api := newTestAPI(t)
	api.report(t, map[string]any{"alert_type": "fire", "title": "Fryer fire"})
	api.report(t, map[string]any{"alert_type": "fire", "title": "Bin fire"})
	api.report(t, map[string]any{"alert_type": "crowd", "title": "Queue surge"})

	api.clock.Advance(3 * time.Minute)

	resp, err := api.as(t, admin).GET("/api/v1/incidents/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data struct {
			Active            int            `json:"active"`
			Critical          int            `json:"critical"`
			Overdue           int            `json:"overdue"`
			Unclaimed         int            `json:"unclaimed"`
			ByType            map[string]int `json:"by_type"`
			ByEscalationLevel map[string]int `json:"by_escalation_level"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &out)
	assert.Equal(t, 3, out.Data.Active)
	assert.Equal(t, 2, out.Data.Critical)
	assert.Equal(t, 2, out.Data.Overdue, "only the fires have a 2 minute target")
	assert.Equal(t, 3, out.Data.Unclaimed)
	assert.Equal(t, 2, out.Data.ByType["fire"])
	assert.Equal(t, 3, out.Data.ByEscalationLevel["0"])
}

func TestHandler_TimelineAndEventLog(t *testing.T) {
	api := newTestAPI(t)
	inc := api.report(t, map[string]any{"alert_type": "medical", "title": "Allergic reaction"})
	other := api.report(t, map[string]any{"alert_type": "other", "title": "Lost child"})
	path := "/api/v1/incidents/" + inc.ID

	resp, err := api.as(t, responderA).POST(path+"/claim", nil)
	require.NoError(t, err)
	_ = testutil.ReadBody(t, resp)

	resp, err = api.as(t, responderA).GET(path + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var timeline struct {
		Data []domain.IncidentEvent `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &timeline)
	require.Len(t, timeline.Data, 2)
	assert.Equal(t, domain.EventKindCreated, timeline.Data[0].Kind)
	assert.Equal(t, domain.EventKindClaimed, timeline.Data[1].Kind)
	assert.Equal(t, responderA.UserID, timeline.Data[1].Actor)

	resp, err = api.as(t, responderA).GET("/api/v1/incidents/missing/events")
	require.NoError(t, err)
	expectError(t, resp, http.StatusNotFound)

	var page struct {
		Data incidents.EventPage `json:"data"`
	}
	resp, err = api.as(t, responderA).GET("/api/v1/events?limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	testutil.DecodeJSON(t, resp, &page)
	require.Len(t, page.Data.Events, 2)
	assert.Equal(t, inc.ID, page.Data.Events[0].IncidentID)
	assert.Equal(t, other.ID, page.Data.Events[1].IncidentID)

	resp, err = api.as(t, responderA).GET(fmt.Sprintf("/api/v1/events?after=%d", page.Data.NextAfter))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	testutil.DecodeJSON(t, resp, &page)
	require.Len(t, page.Data.Events, 1)
	assert.Equal(t, domain.EventKindClaimed, page.Data.Events[0].Kind)

	resp, err = api.as(t, responderA).GET("/api/v1/events?after=-1")
	require.NoError(t, err)
	expectError(t, resp, http.StatusBadRequest)
}
