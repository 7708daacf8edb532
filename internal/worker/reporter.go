package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seedscan/internal/journal"
)

// SolutionStore journals solutions until they are acknowledged.
type SolutionStore interface {
	Record(ctx context.Context, sol journal.Solution) (int64, error)
	MarkDelivered(ctx context.Context, id int64) error
	Pending(ctx context.Context) ([]journal.Solution, error)
}

// reporter sends progress and solutions under the retry policy.
type reporter struct {
	logger   *zap.Logger
	coord    Coordinator
	store    SolutionStore
	observer Observer
	backoff  Backoff
	attempts int
	timeout  time.Duration
}

func (r *reporter) call(ctx context.Context, fn func(context.Context) error) error {
	if r.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return fn(ctx)
}

// progress makes exactly one attempt.
func (r *reporter) progress(ctx context.Context, offset uint256.Int) {
	err := r.call(ctx, func(ctx context.Context) error {
		return r.coord.ReportProgress(ctx, offset)
	})
	if err != nil {
		r.observer.ReportFailed(ReportProgress)
		r.logger.Warn("Progress report failed", zap.String("offset", offset.Dec()), zap.Error(err))
	}
}

// solution journals, sends and acknowledges one solution.
func (r *reporter) solution(ctx context.Context, device string, offset uint256.Int, mnemonic string) {
	var (
		id        int64
		journaled bool
	)
	if r.store != nil {
		var err error
		id, err = r.store.Record(ctx, journal.Solution{
			Device:   device,
			Offset:   offset.Dec(),
			Mnemonic: mnemonic,
			FoundAt:  time.Now(),
		})
		if err != nil {
			r.logger.Error("Failed to journal solution", zap.String("offset", offset.Dec()), zap.Error(err))
		} else {
			journaled = true
		}
	}

	if err := r.send(ctx, offset, mnemonic); err != nil {
		r.observer.ReportFailed(ReportSolution)
		r.logger.Error("Solution could not be delivered",
			zap.String("offset", offset.Dec()),
			zap.String("mnemonic", mnemonic),
			zap.Bool("journaled", journaled),
			zap.Error(err))
		return
	}

	if journaled {
		if err := r.store.MarkDelivered(ctx, id); err != nil {
			r.logger.Error("Failed to mark solution delivered", zap.Int64("id", id), zap.Error(err))
		}
	}
}

func (r *reporter) send(ctx context.Context, offset uint256.Int, mnemonic string) error {
	attempts := r.attempts
	if attempts < 1 {
		attempts = 1
	}

	var errs error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 && !sleep(ctx, r.backoff.Delay(attempt-1)) {
			return multierr.Append(errs, ctx.Err())
		}
		err := r.call(ctx, func(ctx context.Context) error {
			return r.coord.ReportSolution(ctx, offset, mnemonic)
		})
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Solution delivered after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		errs = multierr.Append(errs, err)
		r.logger.Warn("Solution report failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", attempts),
			zap.Error(err))
	}
	return errs
}

// Redeliver sends journaled solutions the coordinator never acknowledged.
// It returns how many were delivered.
func Redeliver(ctx context.Context, logger *zap.Logger, coord Coordinator, store SolutionStore, cfg Config) (int, error) {
	pending, err := store.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	logger.Info("Redelivering journaled solutions", zap.Int("pending", len(pending)))
	r := &reporter{
		logger:   logger,
		coord:    coord,
		observer: nopObserver{},
		backoff:  cfg.Backoff,
		attempts: cfg.SolutionAttempts,
		timeout:  cfg.ReportTimeout,
	}

	var (
		delivered int
		errs      error
	)
	for _, sol := range pending {
		offset, err := uint256.FromDecimal(sol.Offset)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("solution %d: bad offset %q: %w", sol.ID, sol.Offset, err))
			continue
		}
		if err := r.send(ctx, *offset, sol.Mnemonic); err != nil {
			logger.Error("Journaled solution still undelivered",
				zap.Int64("id", sol.ID),
				zap.String("offset", sol.Offset),
				zap.String("mnemonic", sol.Mnemonic),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("solution %d: %w", sol.ID, err))
			continue
		}
		if err := store.MarkDelivered(ctx, sol.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}
	return delivered, errs
}
