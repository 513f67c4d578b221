package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/incident-escalation/internal/domain"
)

// Log is the read side of the incident event log.
type Log interface {
	EventsAfter(ctx context.Context, seq int64, limit int) ([]*domain.IncidentEvent, error)
	LatestEventSeq(ctx context.Context) (int64, error)
}

// RelayConfig contains relay configuration.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// GapTimeout is how long the relay waits for a missing sequence number
	// before skipping it. Gaps appear when concurrent transactions commit out
	// of order or roll back after taking a sequence value.
	GapTimeout time.Duration
}

// DefaultRelayConfig returns default relay configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval: time.Second,
		BatchSize:    200,
		GapTimeout:   2 * time.Second,
	}
}

// Relay tails the event log and publishes each event to the broker exactly
// once, in sequence order.
type Relay struct {
	config RelayConfig
	log    Log
	broker *Broker
	now    func() time.Time

	cursor   atomic.Int64
	gapSince time.Time
	pollMu   sync.Mutex

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewRelay creates a relay positioned at the start of the log.
func NewRelay(config RelayConfig, log Log, broker *Broker) *Relay {
	def := DefaultRelayConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.GapTimeout <= 0 {
		config.GapTimeout = def.GapTimeout
	}
	return &Relay{
		config: config,
		log:    log,
		broker: broker,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Start positions the relay at the current end of the log and launches the
// polling goroutine. Events written before Start are not relayed; late
// subscribers replay them from the log instead.
func (r *Relay) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return nil
	}

	latest, err := r.log.LatestEventSeq(ctx)
	if err != nil {
		r.started.Store(false)
		return fmt.Errorf("read log position: %w", err)
	}
	r.cursor.Store(latest)
	relayCursor.Set(float64(latest))

	slog.Info("starting event relay",
		"cursor", latest,
		"poll_interval", r.config.PollInterval,
		"batch_size", r.config.BatchSize,
	)

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop stops the polling goroutine and waits for it to exit.
func (r *Relay) Stop() {
	if !r.started.Load() {
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.wg.Wait()
	slog.Info("event relay stopped", "cursor", r.cursor.Load())
}

// Wake asks the relay to poll now instead of waiting for the next tick.
// It never blocks.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Cursor returns the sequence number of the last relayed event.
func (r *Relay) Cursor() int64 {
	return r.cursor.Load()
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if _, err := r.Poll(ctx); err != nil {
			slog.Error("failed to relay events", "cursor", r.cursor.Load(), "error", err)
		}
	}
}

// Poll relays every contiguous event after the cursor and returns how many
// were published. A gap in sequence numbers stops the pass until it fills
// or GapTimeout elapses.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	published := 0
	for {
		cursor := r.cursor.Load()
		events, err := r.log.EventsAfter(ctx, cursor, r.config.BatchSize)
		if err != nil {
			return published, fmt.Errorf("read events after %d: %w", cursor, err)
		}

		for _, ev := range events {
			if ev.Seq == r.cursor.Load()+1 {
				r.gapSince = time.Time{}
			} else if !r.skipGap(ev.Seq) {
				relayCursor.Set(float64(r.cursor.Load()))
				return published, nil
			}
			r.broker.Publish(ev)
			r.cursor.Store(ev.Seq)
			published++
		}
		relayCursor.Set(float64(r.cursor.Load()))

		if len(events) < r.config.BatchSize {
			return published, nil
		}
	}
}

// skipGap reports whether the relay should stop waiting for the sequence
// numbers before next.
func (r *Relay) skipGap(next int64) bool {
	now := r.now()
	if r.gapSince.IsZero() {
		r.gapSince = now
	}
	if now.Sub(r.gapSince) < r.config.GapTimeout {
		return false
	}

	slog.Warn("skipping event sequence gap",
		"from", r.cursor.Load()+1,
		"to", next-1,
		"waited", now.Sub(r.gapSince),
	)
	gapsSkipped.Inc()
	r.gapSince = time.Time{}
	return true
}
