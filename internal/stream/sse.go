package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/pkg/ctxlog"
	"github.com/bissquit/incident-escalation/internal/pkg/httputil"
)

// Replayer reads past events from the log.
type Replayer interface {
	EventsAfter(ctx context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error)
}

// HandlerConfig contains SSE handler configuration.
type HandlerConfig struct {
	Buffer      int
	Heartbeat   time.Duration
	ReplayBatch int
}

// Handler serves the event stream as Server-Sent Events. A client resuming
// with Last-Event-ID (or ?after=) first receives every logged event after
// that sequence number, then live events.
type Handler struct {
	log    Replayer
	broker *Broker
	config HandlerConfig
}

// NewHandler creates a new SSE handler.
func NewHandler(log Replayer, broker *Broker, config HandlerConfig) *Handler {
	if config.Buffer <= 0 {
		config.Buffer = DefaultBuffer
	}
	if config.Heartbeat <= 0 {
		config.Heartbeat = 15 * time.Second
	}
	if config.ReplayBatch <= 0 {
		config.ReplayBatch = 500
	}
	return &Handler{log: log, broker: broker, config: config}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := ctxlog.FromContext(ctx)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	last, resume, err := resumePoint(r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	// the server write timeout would otherwise cut long-lived streams
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		logger.Warn("event stream keeps server write timeout", "error", err)
	}

	// subscribe before replaying so nothing published meanwhile is lost
	sub := h.broker.Subscribe(h.config.Buffer)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if resume {
		if last, err = h.replay(ctx, w, last); err != nil {
			logger.Warn("event stream replay failed", "after", last, "error", err)
			return
		}
		flusher.Flush()
	}

	heartbeat := time.NewTicker(h.config.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if resume && ev.Seq <= last {
				continue
			}
			// a full buffer drops events; backfill from the log
			if resume && ev.Seq > last+1 {
				if last, err = h.replay(ctx, w, last); err != nil {
					logger.Warn("event stream backfill failed", "after", last, "error", err)
					return
				}
				if ev.Seq <= last {
					flusher.Flush()
					continue
				}
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			last, resume = ev.Seq, true
			flusher.Flush()
		}
	}
}

func (h *Handler) replay(ctx context.Context, w http.ResponseWriter, after int64) (int64, error) {
	for {
		events, err := h.log.EventsAfter(ctx, after, h.config.ReplayBatch)
		if err != nil {
			return after, fmt.Errorf("read events after %d: %w", after, err)
		}
		for _, ev := range events {
			if err := writeEvent(w, ev); err != nil {
				return after, err
			}
			after = ev.Seq
		}
		if len(events) < h.config.ReplayBatch {
			return after, nil
		}
	}
}

func writeEvent(w http.ResponseWriter, ev *domain.IncidentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data)
	return err
}

// resumePoint reads the Last-Event-ID header, falling back to ?after=.
func resumePoint(r *http.Request) (int64, bool, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0, false, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false, fmt.Errorf("invalid event id %q", raw)
	}
	return seq, true, nil
}
