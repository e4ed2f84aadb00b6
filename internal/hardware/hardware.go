// Package hardware is the Hardware Executor (HX): a single-writer Modbus
// pulse controller. A single-consumer queue guarantees the serial bus is
// never addressed by two operations concurrently; other callers submit
// open requests and block on a result channel. Failures are absorbed into
// pulse/retry and burst-mode escalation, guarded by a circuit breaker, and
// surfaced as structured hardware_operation_failed events plus an Error
// locker state, never as a crash.
package hardware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/metrics"
	"github.com/ManuGH/xg2g/internal/resilience"
	"github.com/ManuGH/xg2g/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var pulseTracer = telemetry.Tracer("locker-gateway/hardware")

// Bus is the Modbus transport: one relay pulse, addressed by kiosk and
// locker ID. Implementations own the serial port.
type Bus interface {
	Pulse(ctx context.Context, kioskID string, lockerID int, duration time.Duration) error
}

// ErrorRecoverer is the subset of the Locker State Manager the executor
// needs: reporting a persistent hardware failure, and clearing a
// pre-existing Error state once a pulse finally succeeds.
type ErrorRecoverer interface {
	ReportHardwareError(ctx context.Context, kioskID string, id int) (bool, error)
	RecoverFromError(ctx context.Context, kioskID string, id int) (bool, error)
}

// Config holds the Modbus pulse/retry/burst timings (§4.3).
type Config struct {
	PulseDuration     time.Duration
	MaxRetries        int
	BurstInterval     time.Duration
	BurstDuration     time.Duration
	CommandInterval   time.Duration
	JournalDir        string // empty disables the crash-recovery journal
}

// DefaultConfig matches the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PulseDuration:   400 * time.Millisecond,
		MaxRetries:      3,
		BurstInterval:   2000 * time.Millisecond,
		BurstDuration:   10 * time.Second,
		CommandInterval: 300 * time.Millisecond,
	}
}

type openJob struct {
	ctx      context.Context
	kioskID  string
	lockerID int
	result   chan bool
}

// Status reports instantaneous executor health for get_hardware_status.
type Status struct {
	Available        bool
	CircuitState     string
	ErrorRate        float64
	PendingJobs      int
}

// Executor is the Hardware Executor. TestMode disables the background
// queue processor so unit tests submitting jobs don't block on hardware,
// per the concurrency note in §4.3.
type Executor struct {
	bus       Bus
	recoverer ErrorRecoverer
	audit     *audit.Logger
	cfg       Config
	breaker   *resilience.CircuitBreaker
	journal   *journal
	logger    zerolog.Logger

	jobs     chan *openJob
	lastCmd  time.Time
	lastCmdMu sync.Mutex

	testMode bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	attempts, failures int64
	statsMu            sync.Mutex
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithTestMode disables the queue processor; OpenLocker then runs the pulse
// and retry sequence synchronously on the caller's goroutine.
func WithTestMode() Option {
	return func(e *Executor) { e.testMode = true }
}

// New constructs an Executor. A non-empty cfg.JournalDir opens a Badger
// pulse journal for crash recovery; incomplete pulses from a prior process
// are logged as warnings (closing them automatically would risk pulsing a
// door nobody asked to open).
func New(bus Bus, recoverer ErrorRecoverer, auditLogger *audit.Logger, cfg Config, opts ...Option) (*Executor, error) {
	j, err := openJournal(cfg.JournalDir)
	if err != nil {
		return nil, err
	}

	e := &Executor{
		bus:       bus,
		recoverer: recoverer,
		audit:     auditLogger,
		cfg:       cfg,
		breaker:   resilience.NewCircuitBreaker("hardware_bus", 5, 5, 60*time.Second, 30*time.Second),
		journal:   j,
		logger:    log.WithComponent("hardware"),
		jobs:      make(chan *openJob, 64),
	}
	for _, opt := range opts {
		opt(e)
	}

	if incomplete, err := j.recoverIncomplete(); err == nil {
		for _, rec := range incomplete {
			e.logger.Warn().
				Str("kiosk_id", rec.KioskID).Int("locker_id", rec.LockerID).
				Time("started_at", rec.StartedAt).
				Msg("found pulse still marked in-flight at startup; hardware state unconfirmed")
		}
	}

	return e, nil
}

// Start launches the single-consumer queue processor. A no-op in test mode.
func (e *Executor) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	if e.testMode {
		return
	}
	e.wg.Add(1)
	go e.processJobs()
}

// Stop drains in-flight work and closes the journal.
func (e *Executor) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return e.journal.close()
}

func (e *Executor) processJobs() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			job.result <- e.pulseWithRetry(job.ctx, job.kioskID, job.lockerID)
		}
	}
}

// OpenLocker submits a pulse for (kioskID, lockerID) and waits for its
// result. Invalid IDs return false without touching the bus.
func (e *Executor) OpenLocker(ctx context.Context, kioskID string, lockerID int) bool {
	if lockerID <= 0 {
		return false
	}

	if e.testMode {
		return e.pulseWithRetry(ctx, kioskID, lockerID)
	}

	job := &openJob{ctx: ctx, kioskID: kioskID, lockerID: lockerID, result: make(chan bool, 1)}
	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return false
	}

	select {
	case ok := <-job.result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// BulkResult summarizes a bulk_open execution.
type BulkResult struct {
	Total     int
	Success   int
	FailedIDs []int
}

// BulkOpen sequentially opens lockerIDs (optionally filtering VIP lockers
// via isVIP) with a fixed inter-command delay.
func (e *Executor) BulkOpen(ctx context.Context, kioskID string, lockerIDs []int, excludeVIP bool, interval time.Duration, isVIP func(id int) bool) BulkResult {
	if interval <= 0 {
		interval = e.cfg.CommandInterval
	}
	res := BulkResult{Total: len(lockerIDs)}
	for i, id := range lockerIDs {
		if excludeVIP && isVIP != nil && isVIP(id) {
			continue
		}
		if e.OpenLocker(ctx, kioskID, id) {
			res.Success++
		} else {
			res.FailedIDs = append(res.FailedIDs, id)
		}
		if i < len(lockerIDs)-1 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return res
			}
		}
	}
	return res
}

// GetHardwareStatus reports instantaneous bus health.
func (e *Executor) GetHardwareStatus() Status {
	e.statsMu.Lock()
	attempts, failures := e.attempts, e.failures
	e.statsMu.Unlock()

	var errRate float64
	if attempts > 0 {
		errRate = float64(failures) / float64(attempts)
	}

	state := e.breaker.GetState()
	return Status{
		Available:    state != resilience.StateOpen,
		CircuitState: state.String(),
		ErrorRate:    errRate,
		PendingJobs:  len(e.jobs),
	}
}

// pulseWithRetry makes up to cfg.MaxRetries plain pulse attempts in total,
// then escalates to burst mode. It respects command_interval_ms between
// bus addresses and records every attempt in the pulse journal.
func (e *Executor) pulseWithRetry(ctx context.Context, kioskID string, lockerID int) bool {
	ctx, span := pulseTracer.Start(ctx, "hardware.pulse",
		trace.WithAttributes(telemetry.KioskAttributes(kioskID, lockerID)...))
	defer span.End()

	if !e.breaker.AllowRequest() {
		err := errors.New("circuit breaker open")
		span.SetAttributes(telemetry.ErrorAttributes(err, "circuit_open")...)
		span.SetStatus(codes.Error, err.Error())
		e.recordFailure(ctx, kioskID, lockerID, err, 0)
		return false
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		e.waitCommandInterval()
		start := time.Now()
		_ = e.journal.recordStart(kioskID, lockerID, start)

		e.breaker.RecordAttempt()
		e.statsMu.Lock()
		e.attempts++
		e.statsMu.Unlock()

		err := e.bus.Pulse(ctx, kioskID, lockerID, e.cfg.PulseDuration)
		_ = e.journal.recordResult(kioskID, lockerID, start, err == nil, errString(err))
		metrics.HardwarePulseDuration.WithLabelValues(kioskID).Observe(time.Since(start).Seconds())

		if err == nil {
			e.breaker.RecordSuccess()
			metrics.HardwareOperations.WithLabelValues(kioskID, "success").Inc()
			span.SetAttributes(telemetry.PulseAttributes(attempt, int(e.cfg.PulseDuration.Milliseconds()), false)...)
			span.SetStatus(codes.Ok, "")
			e.onSuccess(ctx, kioskID, lockerID)
			return true
		}

		lastErr = err
		e.breaker.RecordTechnicalFailure()
		metrics.HardwareOperations.WithLabelValues(kioskID, "retry").Inc()
	}

	if e.burst(ctx, kioskID, lockerID) {
		span.SetStatus(codes.Ok, "")
		e.onSuccess(ctx, kioskID, lockerID)
		return true
	}

	span.SetAttributes(telemetry.ErrorAttributes(lastErr, "pulse_exhausted")...)
	span.SetStatus(codes.Error, lastErr.Error())
	e.recordFailure(ctx, kioskID, lockerID, lastErr, e.cfg.MaxRetries)
	return false
}

// burst escalates to a sequence of pulses at burst_interval_ms for up to
// burst_duration_seconds once plain retries are exhausted.
func (e *Executor) burst(ctx context.Context, kioskID string, lockerID int) bool {
	ctx, span := pulseTracer.Start(ctx, "hardware.burst",
		trace.WithAttributes(telemetry.KioskAttributes(kioskID, lockerID)...))
	defer span.End()

	attempt := 0
	deadline := time.Now().Add(e.cfg.BurstDuration)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, ctx.Err().Error())
			return false
		case <-time.After(e.cfg.BurstInterval):
		}

		attempt++
		e.waitCommandInterval()
		start := time.Now()
		_ = e.journal.recordStart(kioskID, lockerID, start)
		e.breaker.RecordAttempt()
		err := e.bus.Pulse(ctx, kioskID, lockerID, e.cfg.PulseDuration)
		_ = e.journal.recordResult(kioskID, lockerID, start, err == nil, errString(err))

		if err == nil {
			e.breaker.RecordSuccess()
			metrics.HardwareOperations.WithLabelValues(kioskID, "burst_success").Inc()
			span.SetAttributes(telemetry.PulseAttributes(attempt, int(e.cfg.PulseDuration.Milliseconds()), true)...)
			span.SetStatus(codes.Ok, "")
			return true
		}
		e.breaker.RecordTechnicalFailure()
		metrics.HardwareOperations.WithLabelValues(kioskID, "burst_retry").Inc()
	}
	span.SetStatus(codes.Error, "burst exhausted")
	return false
}

func (e *Executor) onSuccess(ctx context.Context, kioskID string, lockerID int) {
	if e.recoverer == nil {
		return
	}
	if _, err := e.recoverer.RecoverFromError(ctx, kioskID, lockerID); err != nil {
		e.logger.Error().Err(err).Str("kiosk_id", kioskID).Int("locker_id", lockerID).
			Msg("failed to clear error state after successful pulse")
	}
}

func (e *Executor) recordFailure(ctx context.Context, kioskID string, lockerID int, cause error, attempts int) {
	e.statsMu.Lock()
	e.failures++
	e.statsMu.Unlock()

	metrics.HardwareOperations.WithLabelValues(kioskID, "failure").Inc()
	if e.audit != nil {
		e.audit.HardwareError(ctx, kioskID, lockerID, errString(cause), attempts)
	}
	if e.recoverer != nil {
		if _, err := e.recoverer.ReportHardwareError(ctx, kioskID, lockerID); err != nil {
			e.logger.Error().Err(err).Str("kiosk_id", kioskID).Int("locker_id", lockerID).
				Msg("failed to report hardware error to locker state manager")
		}
	}
}

func (e *Executor) waitCommandInterval() {
	e.lastCmdMu.Lock()
	defer e.lastCmdMu.Unlock()

	if e.cfg.CommandInterval <= 0 {
		return
	}
	elapsed := time.Since(e.lastCmd)
	if elapsed < e.cfg.CommandInterval {
		time.Sleep(e.cfg.CommandInterval - elapsed)
	}
	e.lastCmd = time.Now()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
