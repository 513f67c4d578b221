//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/incidents"
	"github.com/bissquit/incident-escalation/internal/testutil"
	"github.com/stretchr/testify/require"
)

var userSeq atomic.Int64

// newUser returns a unique user id so tests sharing the database never
// collide on ownership.
func newUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, userSeq.Add(1))
}

// clientAs returns an OpenAPI-validating client acting as userID.
func clientAs(t *testing.T, userID string, role domain.Role) *testutil.Client {
	t.Helper()
	return testutil.NewClientWithValidator(testServer.URL, testValidator).As(t, userID, role)
}

type incidentEnvelope struct {
	Data incidents.IncidentView `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message   string `json:"message"`
		ClaimedBy string `json:"claimed_by"`
	} `json:"error"`
}

func reportIncident(t *testing.T, client *testutil.Client, body map[string]any) incidents.IncidentView {
	t.Helper()

	resp, err := client.POST("/api/v1/incidents", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	return out.Data
}

func postIncident(t *testing.T, client *testutil.Client, path string, body any, wantStatus int) incidents.IncidentView {
	t.Helper()

	resp, err := client.POST(path, body)
	require.NoError(t, err)
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST %s: status %d, want %d: %s", path, resp.StatusCode, wantStatus, testutil.ReadBody(t, resp))
	}

	var out incidentEnvelope
	if wantStatus == http.StatusOK {
		testutil.DecodeJSON(t, resp, &out)
	} else {
		_ = testutil.ReadBody(t, resp)
	}
	return out.Data
}

func getIncident(t *testing.T, client *testutil.Client, id string) incidents.IncidentView {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out incidentEnvelope
	testutil.DecodeJSON(t, resp, &out)
	return out.Data
}

func timeline(t *testing.T, client *testutil.Client, id string) []domain.IncidentEvent {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + id + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data []domain.IncidentEvent `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &out)
	return out.Data
}
