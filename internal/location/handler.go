package location

import (
	"errors"
	"net/http"

	"github.com/bissquit/incident-escalation/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
)

// Handler serves the location directory.
type Handler struct {
	dir Directory
}

// NewHandler creates a new location handler.
func NewHandler(dir Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterRoutes registers read-only directory routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/locations", h.List)
	r.Get("/locations/{ref}", h.Get)
}

// List handles GET /locations.
func (h *Handler) List(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.dir.List())
}

// Get handles GET /locations/{ref}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	loc, err := h.dir.Resolve(chi.URLParam(r, "ref"))
	if err != nil {
		if errors.Is(err, ErrUnknownLocation) {
			httputil.Error(w, http.StatusNotFound, "location not found")
			return
		}
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}
	httputil.Success(w, http.StatusOK, loc)
}
