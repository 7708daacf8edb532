// Package worker runs the per-device search loop: acquire a range, dispatch
// it, report the outcome, repeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/holiman/uint256"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seedscan/internal/device"
	"github.com/shizukutanaka/seedscan/internal/work"
)

// ErrDrainTimeout is returned when a batch is still running after
// cancellation and the drain timeout.
var ErrDrainTimeout = errors.New("in-flight batch did not drain in time")

// Coordinator operations, as used for the observer's op label.
const (
	OpRequestWork = "request_work"
	OpDecode      = "decode"
)

// Report kinds.
const (
	ReportProgress = "progress"
	ReportSolution = "solution"
)

// State is the position of a loop in its cycle.
type State int32

const (
	StateIdle State = iota
	StateAcquiringWork
	StateDispatching
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiringWork:
		return "acquiring_work"
	case StateDispatching:
		return "dispatching"
	case StateReporting:
		return "reporting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Coordinator hands out ranges and accepts reports.
type Coordinator interface {
	RequestWork(ctx context.Context) (work.Assignment, error)
	ReportProgress(ctx context.Context, offset uint256.Int) error
	ReportSolution(ctx context.Context, offset uint256.Int, mnemonic string) error
}

// Session runs batches on one device.
type Session interface {
	Name() string
	MaxLanes() uint64
	RunBatch(r work.Range) (device.Result, error)
}

// Observer receives loop events. Implementations must be safe for
// concurrent use.
type Observer interface {
	BatchDone(device string, lanes uint64, elapsed time.Duration)
	SolutionFound(device string)
	CoordinatorError(op string)
	ReportFailed(kind string)
	DeviceFailed(device string)
}

type nopObserver struct{}

func (nopObserver) BatchDone(string, uint64, time.Duration) {}
func (nopObserver) SolutionFound(string)                    {}
func (nopObserver) CoordinatorError(string)                 {}
func (nopObserver) ReportFailed(string)                     {}
func (nopObserver) DeviceFailed(string)                     {}

// Config controls retry and shutdown behaviour.
type Config struct {
	Backoff          Backoff
	SolutionAttempts int
	// DrainTimeout bounds the wait for an in-flight batch after cancellation.
	DrainTimeout time.Duration
	// ReportTimeout bounds each report once the loop's context is detached
	// from cancellation. Zero means no extra bound.
	ReportTimeout      time.Duration
	ThroughputInterval time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithStore journals solutions in store.
func WithStore(store SolutionStore) Option {
	return func(l *Loop) {
		l.reporter.store = store
	}
}

// WithObserver sets the event observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if o != nil {
			l.observer = o
			l.reporter.observer = o
		}
	}
}

// WithExitHook calls fn with the result of Run once the loop has stopped.
func WithExitHook(fn func(error)) Option {
	return func(l *Loop) {
		l.onExit = fn
	}
}

// Loop drives one device. Run must be called at most once.
type Loop struct {
	logger   *zap.Logger
	session  Session
	coord    Coordinator
	cfg      Config
	observer Observer
	reporter *reporter
	onExit   func(error)
	state    atomic.Int32

	windowStart      time.Time
	windowCandidates uint64
	batches          uint64
	candidates       uint64
}

// NewLoop creates a loop for session.
func NewLoop(logger *zap.Logger, session Session, coord Coordinator, cfg Config, opts ...Option) *Loop {
	logger = logger.With(zap.String("device", session.Name()))
	l := &Loop{
		logger:   logger,
		session:  session,
		coord:    coord,
		cfg:      cfg,
		observer: nopObserver{},
	}
	l.reporter = &reporter{
		logger:   logger,
		coord:    coord,
		observer: l.observer,
		backoff:  cfg.Backoff,
		attempts: cfg.SolutionAttempts,
		timeout:  cfg.ReportTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the device name.
func (l *Loop) Name() string { return l.session.Name() }

// State returns the current state.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) setState(s State) { l.state.Store(int32(s)) }

// Run loops until ctx is cancelled or the device fails. A cooperative stop
// returns nil. Device failures are returned as device.DispatchError and a
// batch that outlives the drain timeout as ErrDrainTimeout.
func (l *Loop) Run(ctx context.Context) (err error) {
	if l.onExit != nil {
		defer func() { l.onExit(err) }()
	}
	l.logger.Info("Worker loop started", zap.Uint64("max_lanes", l.session.MaxLanes()))
	l.windowStart = time.Now()
	defer l.setState(StateIdle)

	failures := 0
	for {
		l.setState(StateIdle)
		if ctx.Err() != nil {
			l.logger.Info("Worker loop stopped",
				zap.Uint64("batches", l.batches),
				zap.String("candidates", comma(l.candidates)))
			return nil
		}

		l.setState(StateAcquiringWork)
		a, err := l.coord.RequestWork(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			l.observer.CoordinatorError(OpRequestWork)
			delay := l.cfg.Backoff.Delay(failures)
			failures++
			l.logger.Warn("Work request failed",
				zap.Int("consecutive_failures", failures),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			sleep(ctx, delay)
			continue
		}

		r, err := work.DecodeWithLimit(a, l.session.MaxLanes())
		if err != nil {
			l.observer.CoordinatorError(OpDecode)
			delay := l.cfg.Backoff.Delay(failures)
			failures++
			l.logger.Error("Discarding undecodable assignment",
				zap.Int("digits", len(a.Digits)),
				zap.String("offset", a.Offset.Dec()),
				zap.Uint64("batch_size", a.BatchSize),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			sleep(ctx, delay)
			continue
		}
		failures = 0

		l.setState(StateDispatching)
		res, elapsed, err := l.dispatch(ctx, r)
		if errors.Is(err, ErrDrainTimeout) {
			l.logger.Error("Abandoning in-flight batch", zap.Stringer("range", r), zap.Error(err))
			return err
		}
		if err != nil {
			l.observer.DeviceFailed(l.session.Name())
			l.logger.Error("Device failed, stopping worker loop", zap.Stringer("range", r), zap.Error(err))
			return err
		}

		l.setState(StateReporting)
		l.report(ctx, r, res)
		l.observer.BatchDone(l.session.Name(), r.BatchSize, elapsed)
		l.logger.Debug("Batch done",
			zap.String("offset", r.Offset.Dec()),
			zap.Uint64("lanes", r.BatchSize),
			zap.Bool("found", res.Found),
			zap.Duration("elapsed", elapsed))
		l.account(r.BatchSize)
	}
}

type outcome struct {
	res device.Result
	err error
}

// dispatch runs one batch. When ctx is cancelled mid-batch it waits up to the
// drain timeout for the device to finish.
func (l *Loop) dispatch(ctx context.Context, r work.Range) (device.Result, time.Duration, error) {
	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		res, err := l.session.RunBatch(r)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, time.Since(start), o.err
	case <-ctx.Done():
	}

	l.logger.Info("Draining in-flight batch", zap.Duration("timeout", l.cfg.DrainTimeout))
	timer := time.NewTimer(l.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case o := <-done:
		return o.res, time.Since(start), o.err
	case <-timer.C:
		return device.Result{}, 0, fmt.Errorf("%w: %s after %s", ErrDrainTimeout, l.session.Name(), l.cfg.DrainTimeout)
	}
}

// report sends the solution, if any, before progress so a range is never
// marked scanned ahead of its solution.
func (l *Loop) report(ctx context.Context, r work.Range, res device.Result) {
	ctx = context.WithoutCancel(ctx)

	if res.Found {
		text, err := res.Text()
		if err != nil {
			l.logger.Warn("Candidate text is not valid UTF-8", zap.Error(err))
		}
		l.observer.SolutionFound(l.session.Name())
		l.logger.Warn("Solution found", zap.String("offset", r.Offset.Dec()), zap.Stringer("range", r))
		l.reporter.solution(ctx, l.session.Name(), r.Offset, text)
	}
	l.reporter.progress(ctx, r.Offset)
}

func (l *Loop) account(lanes uint64) {
	l.batches++
	l.candidates += lanes
	l.windowCandidates += lanes

	if l.cfg.ThroughputInterval <= 0 {
		return
	}
	elapsed := time.Since(l.windowStart)
	if elapsed < l.cfg.ThroughputInterval {
		return
	}
	rate := float64(l.windowCandidates) / elapsed.Seconds()
	l.logger.Info("Throughput",
		zap.String("rate", humanize.SIWithDigits(rate, 2, "c/s")),
		zap.Uint64("batches", l.batches),
		zap.String("candidates", comma(l.candidates)))
	l.windowStart = time.Now()
	l.windowCandidates = 0
}

func comma(v uint64) string {
	if v > math.MaxInt64 {
		return strconv.FormatUint(v, 10)
	}
	return humanize.Comma(int64(v))
}

// RunAll runs every loop concurrently and waits for all of them. One loop's
// failure does not stop the others; failures are combined.
func RunAll(ctx context.Context, loops []*Loop) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			if err := l.Run(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", l.Name(), err))
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return errs
}
