package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
)

// EscalatorConfig contains escalation scheduler configuration.
type EscalatorConfig struct {
	Interval    time.Duration
	Concurrency int
}

// DefaultEscalatorConfig returns default escalator configuration.
func DefaultEscalatorConfig() EscalatorConfig {
	return EscalatorConfig{
		Interval:    5 * time.Second,
		Concurrency: 8,
	}
}

// SweepResult summarises one escalation sweep.
type SweepResult struct {
	Scanned    int
	Candidates int
	Escalated  int
	Skipped    int
	Failed     int
}

// Escalator periodically raises overdue incidents one level.
//
// Whether an incident is due is derived from its persisted escalation history
// (see DueForAutoEscalation), and every raise goes through the same
// CompareAndSwap as manual transitions, so overlapping sweeps, restarts and
// several instances cannot escalate one overdue window twice.
type Escalator struct {
	config  EscalatorConfig
	service *Service
	pool    *ants.Pool
	cron    *cron.Cron
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewEscalator creates a new escalation scheduler.
func NewEscalator(config EscalatorConfig, service *Service, logger *slog.Logger) (*Escalator, error) {
	def := DefaultEscalatorConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "escalator")

	pool, err := ants.NewPool(config.Concurrency,
		ants.WithPanicHandler(func(p interface{}) {
			logger.Error("escalation task panic recovered", "panic", p)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create escalation pool: %w", err)
	}

	return &Escalator{
		config:  config,
		service: service,
		pool:    pool,
		logger:  logger,
	}, nil
}

// Start schedules sweeps every configured interval. A tick that fires while
// the previous sweep is still running is skipped.
func (e *Escalator) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	cl := cronLogger{logger: e.logger}
	e.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	e.cron.Schedule(cron.Every(e.config.Interval), cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		e.Sweep(ctx)
	}))
	e.cron.Start()
	e.running = true

	e.logger.Info("starting escalation scheduler",
		"interval", e.config.Interval,
		"concurrency", e.config.Concurrency,
	)
}

// Stop waits for a running sweep to finish and releases the worker pool.
func (e *Escalator) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		<-e.cron.Stop().Done()
		e.running = false
	}
	e.pool.Release()
	e.logger.Info("escalation scheduler stopped")
}

// Sweep evaluates every active incident once and escalates the overdue ones.
func (e *Escalator) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	defer func() { recordSweep(time.Since(start)) }()

	list, err := e.service.repo.ListActive(ctx)
	if err != nil {
		e.logger.Error("failed to list active incidents", "error", err)
		return SweepResult{}
	}
	recordActive(list)

	now := e.service.now().UTC()
	result := SweepResult{Scanned: len(list)}

	var (
		wg                         sync.WaitGroup
		escalated, skipped, failed atomic.Int64
	)
	for _, inc := range list {
		if !DueForAutoEscalation(inc, now) {
			continue
		}
		result.Candidates++

		id, version := inc.ID, inc.Version
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			switch e.escalate(ctx, id, version) {
			case outcomeEscalated:
				escalated.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
		})
		if err != nil {
			wg.Done()
			failed.Add(1)
			recordCandidate("failed")
			e.logger.Error("failed to submit escalation task", "incident_id", id, "error", err)
		}
	}
	wg.Wait()

	result.Escalated = int(escalated.Load())
	result.Skipped = int(skipped.Load())
	result.Failed = int(failed.Load())

	if result.Candidates > 0 {
		e.logger.Debug("escalation sweep finished",
			"scanned", result.Scanned,
			"candidates", result.Candidates,
			"escalated", result.Escalated,
			"failed", result.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return result
}

type outcome int

const (
	outcomeEscalated outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (e *Escalator) escalate(ctx context.Context, id string, version int64) outcome {
	inc, err := e.service.autoEscalate(ctx, id, version)
	switch {
	case err == nil:
		recordCandidate("escalated")
		e.logger.Info("incident escalated on SLA breach",
			"incident_id", id,
			"level", inc.EscalationLevel.String(),
			"version", inc.Version,
		)
		return outcomeEscalated
	case errors.Is(err, errNotDue), errors.Is(err, ErrAlreadyResolved):
		recordCandidate("skipped")
		return outcomeSkipped
	case errors.Is(err, ErrVersionConflict):
		recordCandidate("conflict")
		e.logger.Warn("escalation lost a race, retrying next tick",
			"incident_id", id,
			"version", version,
		)
		return outcomeFailed
	default:
		recordCandidate("failed")
		e.logger.Error("failed to escalate incident",
			"incident_id", id,
			"error", err,
		)
		return outcomeFailed
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
