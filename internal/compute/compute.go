// Package compute abstracts the device API the search kernel runs on:
// enumeration, program build, buffers, kernel arguments, a blocking 1-D
// dispatch and blocking reads.
package compute

import (
	"errors"
	"fmt"

	"github.com/shizukutanaka/seedscan/internal/kernel"
)

const (
	BackendOpenCL   = "opencl"
	BackendSoftware = "software"
)

// ErrUnsupported is returned when a backend is not compiled in.
var ErrUnsupported = errors.New("compute backend not available in this build")

// Platform enumerates the devices of one backend.
type Platform interface {
	Name() string
	Devices() ([]Device, error)
}

// Device is one compute device. Build compiles the program for it and
// returns an exclusively owned execution context.
type Device interface {
	Index() int
	Name() string
	// MaxLanes is the largest lane count one dispatch accepts.
	MaxLanes() uint64
	Build(p *kernel.Program) (Context, error)
}

// Context owns a device's compiled program and command queue. It is used
// by a single goroutine.
type Context interface {
	// CreateBuffer allocates a zero-initialized, device writable region.
	CreateBuffer(size int) (Buffer, error)
	CreateKernel(name string) (Kernel, error)
	// Dispatch runs k over lanes independent work items and blocks until
	// the device has finished.
	Dispatch(k Kernel, lanes uint64) error
	// ReadBuffer copies the region into dst and blocks until done.
	ReadBuffer(b Buffer, dst []byte) error
	Release() error
}

// Kernel is an entry point with bound arguments.
type Kernel interface {
	// SetArg binds a uint64 scalar or a Buffer at index.
	SetArg(index int, value any) error
	Release() error
}

// Buffer is a device memory region.
type Buffer interface {
	Size() int
	Release() error
}

// Options configure NewPlatform.
type Options struct {
	// Reference runs the search on the CPU for the software backend.
	Reference *kernel.Reference
	// SoftwareDevices is the number of software devices to expose.
	SoftwareDevices int
}

// NewPlatform returns the platform for backend.
func NewPlatform(backend string, opts Options) (Platform, error) {
	switch backend {
	case BackendSoftware:
		if opts.Reference == nil {
			return nil, errors.New("software backend needs a reference kernel")
		}
		n := opts.SoftwareDevices
		if n <= 0 {
			n = 1
		}
		return &softwarePlatform{ref: opts.Reference, count: n}, nil
	case BackendOpenCL:
		return newOpenCLPlatform()
	default:
		return nil, fmt.Errorf("unknown compute backend %q", backend)
	}
}
