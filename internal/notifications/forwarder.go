package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
	"github.com/bissquit/incident-escalation/internal/location"
	"github.com/bissquit/incident-escalation/internal/stream"
)

// ForwarderConfig contains forwarder configuration.
type ForwarderConfig struct {
	// Target is the destination handed to the sender (a webhook URL).
	Target string
	// Kinds limits which events are forwarded. Empty means all.
	Kinds   []domain.EventKind
	BaseURL string
	Venue   string
	Buffer  int

	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultForwarderConfig returns default forwarder configuration.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		Kinds: []domain.EventKind{
			domain.EventKindCreated,
			domain.EventKindClaimed,
			domain.EventKindEscalated,
			domain.EventKindResolved,
			domain.EventKindReassigned,
		},
		Buffer:            256,
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// IncidentReader loads the incident an event refers to and its timeline.
type IncidentReader interface {
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	IncidentTimeline(ctx context.Context, id string) ([]*domain.IncidentEvent, error)
}

// Forwarder subscribes to the event stream and sends a rendered message for
// each selected event.
type Forwarder struct {
	config    ForwarderConfig
	kinds     map[domain.EventKind]bool
	broker    *stream.Broker
	incidents IncidentReader
	locations location.Directory
	renderer  *Renderer
	sender    Sender
	now       func() time.Time

	sub    *stream.Subscription
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewForwarder creates a new forwarder. locations may be nil.
func NewForwarder(
	config ForwarderConfig,
	broker *stream.Broker,
	incidents IncidentReader,
	locations location.Directory,
	renderer *Renderer,
	sender Sender,
) *Forwarder {
	def := DefaultForwarderConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}

	kinds := make(map[domain.EventKind]bool, len(config.Kinds))
	for _, k := range config.Kinds {
		kinds[k] = true
	}

	return &Forwarder{
		config:    config,
		kinds:     kinds,
		broker:    broker,
		incidents: incidents,
		locations: locations,
		renderer:  renderer,
		sender:    sender,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to the broker and launches the delivery goroutine.
func (f *Forwarder) Start(ctx context.Context) {
	f.sub = f.broker.Subscribe(f.config.Buffer)

	slog.Info("starting notification forwarder",
		"kinds", f.config.Kinds,
		"max_attempts", f.config.MaxAttempts,
	)

	f.wg.Add(1)
	go f.run(ctx)
}

// Stop unsubscribes and waits for the in-flight delivery to finish or give up.
func (f *Forwarder) Stop() {
	f.once.Do(func() {
		close(f.stopCh)
		if f.sub != nil {
			f.sub.Close()
		}
	})
	f.wg.Wait()
	slog.Info("notification forwarder stopped")
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case ev, ok := <-f.sub.C:
			if !ok {
				return
			}
			if err := f.Forward(ctx, ev); err != nil {
				slog.Error("failed to forward incident event",
					"seq", ev.Seq,
					"incident_id", ev.IncidentID,
					"kind", ev.Kind,
					"error", err,
				)
			}
		}
	}
}

// Forward renders and sends one event. Events of unselected kinds are
// ignored.
func (f *Forwarder) Forward(ctx context.Context, ev *domain.IncidentEvent) error {
	if len(f.kinds) > 0 && !f.kinds[ev.Kind] {
		return nil
	}
	start := time.Now()

	inc, err := f.incidents.GetIncident(ctx, ev.IncidentID)
	if err != nil {
		recordNotificationSent(ev.Kind, "failed")
		return fmt.Errorf("%w: %w", ErrIncidentLookup, err)
	}

	timeline, err := f.incidents.IncidentTimeline(ctx, ev.IncidentID)
	if err != nil {
		recordNotificationSent(ev.Kind, "failed")
		return fmt.Errorf("%w: %w", ErrIncidentLookup, err)
	}

	msg, err := BuildMessage(ev, inc, timeline, location.NameOf(f.locations, inc.LocationRef), f.now())
	if err != nil {
		recordNotificationSent(ev.Kind, "failed")
		return err
	}
	msg.Venue = f.config.Venue
	if f.config.BaseURL != "" {
		msg.URL = strings.TrimRight(f.config.BaseURL, "/") + "/incidents/" + inc.ID
	}

	subject, body, err := f.renderer.Render(msg)
	if err != nil {
		recordNotificationSent(ev.Kind, "failed")
		return fmt.Errorf("render: %w", err)
	}

	if err := f.deliver(ctx, ev, Notification{To: f.config.Target, Subject: subject, Body: body}); err != nil {
		recordNotificationSent(ev.Kind, "failed")
		return err
	}

	recordNotificationSent(ev.Kind, "success")
	recordNotificationDuration(ev.Kind, time.Since(start))
	slog.Debug("incident event forwarded", "seq", ev.Seq, "kind", ev.Kind)
	return nil
}

func (f *Forwarder) deliver(ctx context.Context, ev *domain.IncidentEvent, n Notification) error {
	var err error
	for attempt := 1; attempt <= f.config.MaxAttempts; attempt++ {
		if err = f.sender.Send(ctx, n); err == nil {
			return nil
		}
		if !isRetryable(err) {
			return fmt.Errorf("send: %w", err)
		}
		if attempt == f.config.MaxAttempts {
			break
		}

		backoff := f.calculateBackoff(attempt)
		slog.Warn("send failed, retrying",
			"seq", ev.Seq,
			"attempt", attempt,
			"max_attempts", f.config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)
		recordNotificationSent(ev.Kind, "retry")
		if !f.sleep(ctx, backoff) {
			return fmt.Errorf("send cancelled: %w", errors.Join(err, ctx.Err()))
		}
	}
	return fmt.Errorf("max attempts exceeded: %w", err)
}

func (f *Forwarder) calculateBackoff(attempt int) time.Duration {
	backoff := float64(f.config.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= f.config.BackoffMultiplier
	}

	if backoff > float64(f.config.MaxBackoff) {
		backoff = float64(f.config.MaxBackoff)
	}

	return time.Duration(backoff)
}

// sleep waits for d, returning false if the forwarder is stopping.
func (f *Forwarder) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-f.stopCh:
		return false
	}
}
