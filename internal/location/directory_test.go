package location

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDirectory = `
venue: Riverside Stadium
locations:
  - ref: stand-12
    name: North Grill
    section: "112"
    level: concourse
  - ref: gate-a
    name: Gate A
  - ref: stand-3
    name: Taco Cart
`

func TestParse(t *testing.T) {
	dir, err := Parse([]byte(sampleDirectory))
	require.NoError(t, err)

	assert.Equal(t, "Riverside Stadium", dir.Venue())

	loc, err := dir.Resolve("stand-12")
	require.NoError(t, err)
	assert.Equal(t, "North Grill", loc.Name)
	assert.Equal(t, "112", loc.Section)

	_, err = dir.Resolve("stand-99")
	assert.ErrorIs(t, err, ErrUnknownLocation)

	list := dir.List()
	require.Len(t, list, 3)
	assert.Equal(t, "gate-a", list[0].Ref)
	assert.Equal(t, "stand-3", list[2].Ref)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "locations: [ref: x"},
		{"missing ref", "locations:\n  - name: Nameless\n"},
		{"missing name", "locations:\n  - ref: a\n"},
		{"duplicate ref", "locations:\n  - {ref: a, name: A}\n  - {ref: a, name: B}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDirectory), 0o600))

	dir, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, dir.List(), 3)

	empty, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, empty.List())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNameOf(t *testing.T) {
	dir, err := Parse([]byte(sampleDirectory))
	require.NoError(t, err)

	known, unknown := "gate-a", "gate-z"
	assert.Equal(t, "Gate A", NameOf(dir, &known))
	assert.Empty(t, NameOf(dir, &unknown))
	assert.Empty(t, NameOf(dir, nil))
	assert.Empty(t, NameOf(nil, &known))
}

func TestHandler(t *testing.T) {
	dir, err := Parse([]byte(sampleDirectory))
	require.NoError(t, err)

	r := chi.NewRouter()
	NewHandler(dir).RegisterRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations/stand-3", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data Location `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Taco Cart", body.Data.Name)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/locations", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Data []Location `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 3)
}
