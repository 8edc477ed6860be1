package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/welldanyogia/smtp-receiver/internal/metrics"
)

// Deliverer is the external delivery capability. It must be safe for
// concurrent use and idempotent on retry: a crash between a successful
// delivery and RecordOutcome means the same entry is delivered again.
type Deliverer interface {
	Deliver(ctx context.Context, entry Entry) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, entry Entry) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(ctx context.Context, entry Entry) error {
	return f(ctx, entry)
}

// HardBounce marks a delivery failure as permanent regardless of the
// attempt count; the scheduler maps it straight to PermFail.
type HardBounce struct {
	Reason string
}

func (e *HardBounce) Error() string {
	return "hard bounce: " + e.Reason
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	Workers         int
	BatchSize       int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	DeliveryTimeout time.Duration
	DrainTimeout    time.Duration
}

// DefaultSchedulerConfig sizes the pool to the CPU count.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:         runtime.NumCPU(),
		BatchSize:       16,
		PollInterval:    time.Second,
		LeaseDuration:   5 * time.Minute,
		DeliveryTimeout: time.Minute,
		DrainTimeout:    30 * time.Second,
	}
}

// Scheduler drains the queue store with a pool of workers. Each iteration
// claims a batch, invokes the delivery capability per entry under a
// deadline, and records the outcome. On shutdown workers stop claiming,
// in-flight deliveries get the drain window, and unprocessed claims have
// their leases released so the next process picks them up.
type Scheduler struct {
	store     Store
	deliverer Deliverer
	cfg       SchedulerConfig
	log       *slog.Logger
}

// NewScheduler wires a scheduler; zero config fields fall back to defaults.
func NewScheduler(store Store, deliverer Deliverer, cfg SchedulerConfig, log *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	return &Scheduler{store: store, deliverer: deliverer, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled and all workers have drained.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(ctx, worker)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.leaseExpiryLoop(ctx)
	}()

	wg.Wait()
}

// workerLoop claims and processes batches until cancellation.
func (s *Scheduler) workerLoop(ctx context.Context, worker int) {
	log := s.log.With(slog.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.store.ClaimDue(context.WithoutCancel(ctx), time.Now(), s.cfg.BatchSize, s.cfg.LeaseDuration)
		if err != nil {
			log.Error("failed to claim queue batch", slog.String("error", err.Error()))
			if !s.sleep(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}
		if len(batch) == 0 {
			if !s.sleep(ctx, s.cfg.PollInterval) {
				return
			}
			continue
		}

		for i, entry := range batch {
			if ctx.Err() != nil {
				// Shutdown mid-batch: hand the rest back immediately.
				s.releaseRest(batch[i:])
				return
			}
			s.process(ctx, log, entry)
		}
	}
}

// process runs one delivery attempt and records its outcome. Recording uses
// a detached context so a shutdown signal cannot lose a finished attempt.
func (s *Scheduler) process(ctx context.Context, log *slog.Logger, entry Entry) {
	base := context.WithoutCancel(ctx)
	attemptCtx, cancel := context.WithTimeout(base, s.cfg.DeliveryTimeout)
	defer cancel()
	// The drain window bounds in-flight deliveries during shutdown: once ctx
	// is cancelled the attempt gets at most DrainTimeout more.
	stopDrain := context.AfterFunc(ctx, func() {
		drainTimer := time.AfterFunc(s.cfg.DrainTimeout, cancel)
		context.AfterFunc(attemptCtx, func() { drainTimer.Stop() })
	})
	defer stopDrain()

	start := time.Now()
	err := s.deliverer.Deliver(attemptCtx, entry)
	metrics.DeliveryDuration.Observe(time.Since(start).Seconds())

	outcome := s.classify(err)
	switch outcome.Kind {
	case OutcomeDelivered:
		metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
		log.Info("delivered",
			slog.Int64("entry_id", entry.ID),
			slog.String("message_id", entry.MessageID),
			slog.String("rcpt", entry.ForwardPath),
			slog.Int("attempt", entry.Attempts+1),
		)
	case OutcomeTempFail:
		metrics.DeliveryAttemptsTotal.WithLabelValues("temp_fail").Inc()
		log.Warn("delivery attempt failed",
			slog.Int64("entry_id", entry.ID),
			slog.String("rcpt", entry.ForwardPath),
			slog.Int("attempt", entry.Attempts+1),
			slog.String("error", outcome.Reason),
		)
	case OutcomePermFail:
		metrics.DeliveryAttemptsTotal.WithLabelValues("perm_fail").Inc()
		log.Warn("delivery failed permanently",
			slog.Int64("entry_id", entry.ID),
			slog.String("rcpt", entry.ForwardPath),
			slog.String("error", outcome.Reason),
		)
	}

	recordCtx, recordCancel := context.WithTimeout(base, 10*time.Second)
	defer recordCancel()
	if err := s.store.RecordOutcome(recordCtx, entry.ID, outcome); err != nil {
		log.Error("failed to record delivery outcome",
			slog.Int64("entry_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}

// classify maps a delivery error to its outcome.
func (s *Scheduler) classify(err error) Outcome {
	now := time.Now()
	if err == nil {
		return Delivered(now)
	}
	var bounce *HardBounce
	if errors.As(err, &bounce) {
		return PermFail(bounce.Reason, now)
	}
	return TempFail(err.Error(), now)
}

// releaseRest hands unprocessed claims back during shutdown.
func (s *Scheduler) releaseRest(rest []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, entry := range rest {
		if err := s.store.ReleaseLease(ctx, entry.ID); err != nil {
			s.log.Warn("failed to release lease on shutdown",
				slog.Int64("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// leaseExpiryLoop periodically frees rows whose worker crashed.
func (s *Scheduler) leaseExpiryLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.LeaseDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireLeases(context.WithoutCancel(ctx), time.Now())
			if err != nil {
				s.log.Error("failed to expire leases", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.log.Info("expired stale leases", slog.Int("count", n))
			}
		}
	}
}

// sleep waits for d or cancellation; it returns false on cancellation.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
