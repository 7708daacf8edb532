// Package app wires configuration into coordinator, devices and worker loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seedscan/internal/compute"
	"github.com/shizukutanaka/seedscan/internal/config"
	"github.com/shizukutanaka/seedscan/internal/coordinator"
	"github.com/shizukutanaka/seedscan/internal/device"
	"github.com/shizukutanaka/seedscan/internal/journal"
	"github.com/shizukutanaka/seedscan/internal/kernel"
	"github.com/shizukutanaka/seedscan/internal/metrics"
	"github.com/shizukutanaka/seedscan/internal/work"
	"github.com/shizukutanaka/seedscan/internal/worker"
)

// ErrNoDevices is returned when no device could be opened.
var ErrNoDevices = errors.New("no usable compute devices")

var _ worker.Observer = (*metrics.Exporter)(nil)

// Application owns everything a run needs.
type Application struct {
	logger   *zap.Logger
	cfg      *config.Config
	workerID string

	coord    *coordinator.Client
	targets  *kernel.TargetSet
	program  *kernel.Program
	platform compute.Platform
	store    *journal.Store
	metrics  *metrics.Exporter
}

// New validates cfg and builds the application. It does not touch devices.
func New(logger *zap.Logger, cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	workerID := uuid.NewString()
	logger = logger.With(zap.String("worker_id", workerID))

	coord, err := coordinator.NewClient(logger.Named("coordinator"), coordinator.Config{
		BaseURL: cfg.Coordinator.URL,
		Secret:  cfg.Coordinator.Secret,
		Timeout: cfg.Coordinator.Timeout,
	})
	if err != nil {
		return nil, err
	}

	targets, err := kernel.ParseTargets(kernel.AddressType(cfg.Kernel.AddressType), cfg.Kernel.Targets)
	if err != nil {
		return nil, err
	}
	if targets.Len() == 0 {
		logger.Warn("No targets configured, nothing can be found")
	}

	a := &Application{
		logger:   logger,
		cfg:      cfg,
		workerID: workerID,
		coord:    coord,
		targets:  targets,
		metrics:  metrics.New(),
	}

	if err := a.buildCompute(); err != nil {
		return nil, err
	}

	if cfg.Journal.Path != "" {
		store, err := journal.Open(logger.Named("journal"), cfg.Journal.Path)
		if err != nil {
			return nil, err
		}
		a.store = store
	}
	return a, nil
}

func (a *Application) buildCompute() error {
	kc := a.cfg.Kernel
	opts := compute.Options{SoftwareDevices: a.cfg.Devices.SoftwareDevices}

	switch a.cfg.Devices.Backend {
	case config.BackendSoftware:
		path, err := kernel.ParsePath(kc.DerivationPath)
		if err != nil {
			return err
		}
		ref, err := kernel.NewReference(kernel.ReferenceConfig{
			Targets:     a.targets,
			Path:        path,
			Passphrase:  kc.Passphrase,
			Parallelism: a.cfg.Devices.SoftwareParallelism,
		})
		if err != nil {
			return err
		}
		opts.Reference = ref
		a.program = kernel.Build(kc.Entry, a.targets.Fragment())
	default:
		var generated []kernel.Fragment
		if kc.EmbedTargets {
			generated = append(generated, a.targets.Fragment())
		}
		prog, err := kernel.Assemble(kc.SourceDir, kc.Fragments, kc.Entry, generated...)
		if err != nil {
			return err
		}
		a.program = prog
	}

	platform, err := compute.NewPlatform(a.cfg.Devices.Backend, opts)
	if err != nil {
		return err
	}
	a.platform = platform
	return nil
}

// Platform returns the compute platform.
func (a *Application) Platform() compute.Platform { return a.platform }

// Metrics returns the metrics exporter.
func (a *Application) Metrics() *metrics.Exporter { return a.metrics }

// Devices lists the platform's devices, restricted to devices.ids when set.
func (a *Application) Devices() ([]compute.Device, error) {
	all, err := a.platform.Devices()
	if err != nil {
		return nil, err
	}
	ids := a.cfg.Devices.IDs
	if len(ids) == 0 {
		return all, nil
	}
	var out []compute.Device
	for _, d := range all {
		if slices.Contains(ids, d.Index()) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Run redelivers journaled solutions, opens every device and runs one worker
// loop per device until ctx is cancelled or all loops have stopped.
func (a *Application) Run(ctx context.Context) error {
	a.logger.Info("Starting seedscan",
		zap.String("coordinator", a.cfg.Coordinator.URL),
		zap.String("backend", a.cfg.Devices.Backend),
		zap.String("address_type", string(a.targets.Kind())),
		zap.Int("targets", a.targets.Len()),
		zap.Strings("fragments", a.program.Fragments),
		zap.String("entry", a.program.Entry))

	wcfg := a.workerConfig()

	if a.store != nil {
		n, err := worker.Redeliver(ctx, a.logger, a.coord, a.store, wcfg)
		if err != nil {
			a.logger.Warn("Some journaled solutions remain undelivered", zap.Int("delivered", n), zap.Error(err))
		} else if n > 0 {
			a.logger.Info("Journaled solutions delivered", zap.Int("delivered", n))
		}
	}

	sessions, err := a.openSessions()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	if a.cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.metrics.Serve(serveCtx, a.logger.Named("metrics"), metrics.Config{
				Enabled:    true,
				ListenAddr: a.cfg.Metrics.ListenAddr,
			})
			if err != nil {
				a.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	opts := []worker.Option{worker.WithObserver(a.metrics)}
	if a.store != nil {
		opts = append(opts, worker.WithStore(a.store))
	}
	loops := make([]*worker.Loop, 0, len(sessions))
	for _, s := range sessions {
		loopOpts := append(opts[:len(opts):len(opts)], worker.WithExitHook(a.releaseOnExit(s)))
		loops = append(loops, worker.NewLoop(a.logger.Named("worker"), s, a.coord, wcfg, loopOpts...))
	}

	runErr := worker.RunAll(ctx, loops)
	stopServe()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	a.logger.Info("Seedscan stopped")
	return nil
}

// releaseOnExit closes a session as soon as its own loop stops. After a drain
// timeout the batch may still be running, and the device is left to process
// exit.
func (a *Application) releaseOnExit(s *cappedSession) func(error) {
	return func(err error) {
		if errors.Is(err, worker.ErrDrainTimeout) {
			a.logger.Warn("Leaving device resources to process exit after drain timeout",
				zap.String("device", s.Name()))
			return
		}
		if cerr := s.Close(); cerr != nil {
			a.logger.Warn("Failed to release device", zap.String("device", s.Name()), zap.Error(cerr))
		}
	}
}

func (a *Application) workerConfig() worker.Config {
	c := a.cfg
	return worker.Config{
		Backoff: worker.Backoff{
			Initial:    c.Coordinator.Retry.InitialDelay,
			Max:        c.Coordinator.Retry.MaxDelay,
			Multiplier: c.Coordinator.Retry.Multiplier,
			Jitter:     c.Coordinator.Retry.Jitter,
		},
		SolutionAttempts:   c.Coordinator.SolutionAttempts,
		DrainTimeout:       c.Devices.DrainTimeout,
		ReportTimeout:      c.Coordinator.Timeout,
		ThroughputInterval: c.Metrics.ThroughputInterval,
	}
}

// openSessions builds the program on every selected device. Devices that
// fail are logged and skipped.
func (a *Application) openSessions() ([]*cappedSession, error) {
	devs, err := a.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	var (
		sessions []*cappedSession
		errs     error
	)
	for _, d := range devs {
		s, err := device.Open(a.logger.Named("device"), d, a.program)
		if err != nil {
			a.metrics.DeviceFailed(d.Name())
			a.logger.Error("Skipping device", zap.String("device", d.Name()), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		sessions = append(sessions, &cappedSession{Session: s, limit: a.cfg.Devices.MaxLanes})
	}
	if len(sessions) == 0 {
		if errs != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoDevices, errs)
		}
		return nil, ErrNoDevices
	}
	return sessions, nil
}

// Close releases the journal.
func (a *Application) Close() error {
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// cappedSession applies devices.max_lanes on top of the device limit.
type cappedSession struct {
	*device.Session
	limit uint64
}

func (s *cappedSession) MaxLanes() uint64 {
	m := s.Session.MaxLanes()
	if s.limit > 0 && s.limit < m {
		return s.limit
	}
	return min(m, work.MaxLanes)
}
