// Package device runs search batches on a single compute device.
package device

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shizukutanaka/seedscan/internal/compute"
	"github.com/shizukutanaka/seedscan/internal/kernel"
	"github.com/shizukutanaka/seedscan/internal/work"
	"go.uber.org/zap"
)

// ErrDispatch marks failures that leave the device unusable: program build,
// buffer allocation, argument binding, enqueue or readback.
var ErrDispatch = errors.New("device dispatch failed")

// Dispatch stages.
const (
	StageBuild    = "build"
	StageAllocate = "allocate"
	StageBind     = "bind"
	StageEnqueue  = "enqueue"
	StageRead     = "read"
)

// DispatchError reports which stage of a dispatch failed on which device.
type DispatchError struct {
	Device string
	Stage  string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Device, e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() []error {
	return []error{ErrDispatch, e.Err}
}

// Result is the output of one batch. Candidate is only meaningful when Found
// is set.
type Result struct {
	Found     bool
	Candidate [kernel.CandidateSize]byte
}

// Text returns the candidate with its zero padding stripped. The string is
// returned even when it is not valid UTF-8, together with an error.
func (r Result) Text() (string, error) {
	s := strings.Trim(string(r.Candidate[:]), "\x00")
	if !utf8.ValidString(s) {
		return s, errors.New("candidate text is not valid UTF-8")
	}
	return s, nil
}

// Session owns one device's compiled program, queue and kernel. It must be
// used from one goroutine at a time.
type Session struct {
	logger *zap.Logger
	dev    compute.Device
	ctx    compute.Context
	kern   compute.Kernel
}

// Open compiles the program on dev. Failures are DispatchErrors.
func Open(logger *zap.Logger, dev compute.Device, prog *kernel.Program) (*Session, error) {
	name := dev.Name()
	logger = logger.With(zap.String("device", name), zap.Int("device_index", dev.Index()))

	ctx, err := dev.Build(prog)
	if err != nil {
		return nil, &DispatchError{Device: name, Stage: StageBuild, Err: err}
	}
	kern, err := ctx.CreateKernel(prog.Entry)
	if err != nil {
		_ = ctx.Release()
		return nil, &DispatchError{Device: name, Stage: StageBuild, Err: err}
	}

	logger.Info("Device ready",
		zap.String("entry", prog.Entry),
		zap.Int("source_bytes", len(prog.Source)),
	)
	return &Session{logger: logger, dev: dev, ctx: ctx, kern: kern}, nil
}

// Name returns the device name.
func (s *Session) Name() string { return s.dev.Name() }

// MaxLanes returns the largest batch one dispatch accepts.
func (s *Session) MaxLanes() uint64 { return s.dev.MaxLanes() }

// RunBatch runs one batch to completion. Output regions are allocated and
// zeroed for every batch and released before returning.
func (s *Session) RunBatch(r work.Range) (Result, error) {
	text, err := s.ctx.CreateBuffer(kernel.CandidateSize)
	if err != nil {
		return Result{}, s.fail(StageAllocate, err)
	}
	defer s.release(text)

	flag, err := s.ctx.CreateBuffer(kernel.FoundSize)
	if err != nil {
		return Result{}, s.fail(StageAllocate, err)
	}
	defer s.release(flag)

	args := [kernel.ArgCount]any{
		kernel.ArgStartHigh: r.StartHigh,
		kernel.ArgStartLow:  r.StartLow,
		kernel.ArgCandidate: text,
		kernel.ArgFound:     flag,
	}
	for i, a := range args {
		if err := s.kern.SetArg(i, a); err != nil {
			return Result{}, s.fail(StageBind, fmt.Errorf("argument %d: %w", i, err))
		}
	}

	if err := s.ctx.Dispatch(s.kern, r.BatchSize); err != nil {
		return Result{}, s.fail(StageEnqueue, err)
	}

	var res Result
	var found [kernel.FoundSize]byte
	if err := s.ctx.ReadBuffer(text, res.Candidate[:]); err != nil {
		return Result{}, s.fail(StageRead, err)
	}
	if err := s.ctx.ReadBuffer(flag, found[:]); err != nil {
		return Result{}, s.fail(StageRead, err)
	}
	res.Found = found[0] == kernel.FoundSentinel
	return res, nil
}

// Close releases the kernel and the device context.
func (s *Session) Close() error {
	kerr := s.kern.Release()
	cerr := s.ctx.Release()
	if kerr != nil {
		return kerr
	}
	return cerr
}

func (s *Session) fail(stage string, err error) error {
	return &DispatchError{Device: s.dev.Name(), Stage: stage, Err: err}
}

func (s *Session) release(b compute.Buffer) {
	if err := b.Release(); err != nil {
		s.logger.Warn("Failed to release buffer", zap.Error(err))
	}
}
