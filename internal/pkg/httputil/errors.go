package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/incident-escalation/internal/pkg/ctxlog"
)

// ErrorMapping maps a sentinel error to an HTTP status. An empty Message
// sends err.Error() to the client.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string
}

// FieldsError is implemented by errors that carry extra fields for the
// error envelope, such as who already owns a claimed incident.
type FieldsError interface {
	error
	ErrorFields() map[string]any
}

// HandleError writes the first mapping err matches. Deadline errors become
// 504; anything else unmatched is logged and reported as 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}

		var fe FieldsError
		if errors.As(err, &fe) {
			ErrorWithFields(w, m.Status, msg, fe.ErrorFields())
			return
		}
		if m.Status >= http.StatusInternalServerError {
			ctxlog.FromContext(ctx).Error("request failed", "status", m.Status, "error", err)
		}
		Error(w, m.Status, msg)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		ctxlog.FromContext(ctx).Warn("request timed out", "error", err)
		Error(w, http.StatusGatewayTimeout, "request timed out")
		return
	}

	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
