// Package queue is the Command Queue (CQ): it durably persists
// staff-initiated operations (via the store) and drives a per-kiosk dispatch
// loop that pulls due commands and hands them to an Executor, tracking
// queue depth and running the retention sweep. Persistence and CAS-style
// bookkeeping live in the store; this package owns the dispatch lifecycle.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/locker/store"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var dispatchTracer = telemetry.Tracer("locker-gateway/queue")

// Executor applies one command against kiosk hardware. It returns an error
// to trigger the backoff/retry path; a nil error marks the command
// completed.
type Executor interface {
	Execute(ctx context.Context, cmd model.Command) error
}

// Config tunes the dispatch and retention loops.
type Config struct {
	PollInterval  time.Duration // how often each kiosk's pending queue is polled
	PullLimit     int           // commands pulled per kiosk per poll
	RetentionDays int           // cleanup_old(retention_days)
	SweepInterval time.Duration // how often cleanup_old runs
}

// DefaultConfig matches the spec's default backoff/retention schedule.
func DefaultConfig() Config {
	return Config{
		PollInterval:  1 * time.Second,
		PullLimit:     10,
		RetentionDays: 7,
		SweepInterval: 1 * time.Hour,
	}
}

// Service is the Command Queue: persistence delegates to store.Store,
// dispatch and retention run as cancellable background loops.
type Service struct {
	store    *store.Store
	executor Executor
	cfg      Config
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Service. executor may be nil until Start is called with
// one wired in, e.g. in tests that only exercise enqueue/stats.
func New(s *store.Store, executor Executor, cfg Config) *Service {
	return &Service{
		store:    s,
		executor: executor,
		cfg:      cfg,
		logger:   log.WithComponent("queue"),
	}
}

// Enqueue persists a pending command for kioskID.
func (s *Service) Enqueue(ctx context.Context, kioskID string, commandType model.CommandType, payload []byte, maxRetries int) (string, error) {
	return s.store.Enqueue(ctx, kioskID, commandType, payload, maxRetries)
}

// EnqueueBulk persists one command per payload.
func (s *Service) EnqueueBulk(ctx context.Context, kioskID string, commandType model.CommandType, payloads [][]byte, maxRetries int) ([]string, error) {
	return s.store.EnqueueBulk(ctx, kioskID, commandType, payloads, maxRetries)
}

// CancelPending cancels every pending command for kioskID.
func (s *Service) CancelPending(ctx context.Context, kioskID string) (int, error) {
	return s.store.CancelPending(ctx, kioskID)
}

// Stats returns per-status counts for kioskID.
func (s *Service) Stats(ctx context.Context, kioskID string) (store.QueueStats, error) {
	return s.store.Stats(ctx, kioskID)
}

// Start launches the dispatch loop (one pull-and-execute cycle per
// kiosk per PollInterval, kiosks enumerated by listKiosks on every tick)
// and the retention sweep. Start is a no-op on a Service with no Executor.
func (s *Service) Start(ctx context.Context, listKiosks func(context.Context) ([]string, error)) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.executor != nil {
		s.wg.Add(1)
		go s.dispatchLoop(listKiosks)
	}

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop cancels the background loops and waits for the in-flight iteration
// of each to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) dispatchLoop(listKiosks func(context.Context) ([]string, error)) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			kiosks, err := listKiosks(s.ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("list kiosks for dispatch failed")
				continue
			}
			for _, kioskID := range kiosks {
				s.dispatchOne(kioskID)
			}
		}
	}
}

func (s *Service) dispatchOne(kioskID string) {
	pending, err := s.store.PullPending(s.ctx, kioskID, s.cfg.PullLimit, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("kiosk_id", kioskID).Msg("pull pending commands failed")
		return
	}
	metrics.CommandQueueDepth.WithLabelValues(kioskID, "pending").Set(float64(len(pending)))

	for _, cmd := range pending {
		if err := s.store.MarkExecuting(s.ctx, cmd.CommandID); err != nil {
			s.logger.Error().Err(err).Str("command_id", cmd.CommandID).Msg("mark executing failed")
			continue
		}

		carrier := propagation.MapCarrier{"traceparent": cmd.TraceParent}
		ctx := otel.GetTextMapPropagator().Extract(s.ctx, carrier)
		ctx, span := dispatchTracer.Start(ctx, "queue.dispatch",
			trace.WithAttributes(telemetry.CommandAttributes(cmd.CommandID, string(cmd.CommandType), cmd.RetryCount)...))

		if execErr := s.executor.Execute(ctx, cmd); execErr != nil {
			span.SetAttributes(telemetry.ErrorAttributes(execErr, "dispatch_failed")...)
			span.SetStatus(codes.Error, execErr.Error())
			span.End()

			ok, err := s.store.MarkFailed(s.ctx, cmd.CommandID, execErr.Error())
			if err != nil {
				s.logger.Error().Err(err).Str("command_id", cmd.CommandID).Msg("mark failed failed")
			} else if ok {
				metrics.CommandQueueDepth.WithLabelValues(kioskID, "failed").Inc()
			}
			continue
		}
		span.SetStatus(codes.Ok, "")
		span.End()

		if _, err := s.store.MarkCompleted(s.ctx, cmd.CommandID); err != nil {
			s.logger.Error().Err(err).Str("command_id", cmd.CommandID).Msg("mark completed failed")
		}
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.CleanupOld(s.ctx, s.cfg.RetentionDays)
			if err != nil {
				s.logger.Error().Err(err).Msg("command queue retention sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Info().Int("deleted", n).Msg("command queue retention sweep")
			}
		}
	}
}
