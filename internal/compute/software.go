package compute

import (
	"errors"
	"fmt"
	"math"

	"github.com/shizukutanaka/seedscan/internal/kernel"
)

// softwarePlatform exposes CPU "devices" that execute the reference kernel.
// Every device shares the read-only reference kernel.
type softwarePlatform struct {
	ref   *kernel.Reference
	count int
}

func (p *softwarePlatform) Name() string { return BackendSoftware }

func (p *softwarePlatform) Devices() ([]Device, error) {
	devs := make([]Device, p.count)
	for i := range devs {
		devs[i] = &softwareDevice{index: i, ref: p.ref}
	}
	return devs, nil
}

type softwareDevice struct {
	index int
	ref   *kernel.Reference
}

func (d *softwareDevice) Index() int       { return d.index }
func (d *softwareDevice) Name() string     { return fmt.Sprintf("cpu%d", d.index) }
func (d *softwareDevice) MaxLanes() uint64 { return math.MaxInt }

func (d *softwareDevice) Build(p *kernel.Program) (Context, error) {
	if p == nil || p.Entry == "" {
		return nil, errors.New("software: program has no entry point")
	}
	return &softwareContext{ref: d.ref, entry: p.Entry}, nil
}

type softwareContext struct {
	ref      *kernel.Reference
	entry    string
	released bool
}

func (c *softwareContext) CreateBuffer(size int) (Buffer, error) {
	if c.released {
		return nil, errors.New("software: context released")
	}
	if size <= 0 {
		return nil, fmt.Errorf("software: invalid buffer size %d", size)
	}
	return &softwareBuffer{data: make([]byte, size)}, nil
}

func (c *softwareContext) CreateKernel(name string) (Kernel, error) {
	if name != c.entry {
		return nil, fmt.Errorf("software: program has no kernel %q", name)
	}
	return &softwareKernel{}, nil
}

func (c *softwareContext) Dispatch(k Kernel, lanes uint64) error {
	sk, ok := k.(*softwareKernel)
	if !ok {
		return fmt.Errorf("software: foreign kernel %T", k)
	}
	high, ok1 := sk.args[kernel.ArgStartHigh].(uint64)
	low, ok2 := sk.args[kernel.ArgStartLow].(uint64)
	text, ok3 := sk.args[kernel.ArgCandidate].(*softwareBuffer)
	found, ok4 := sk.args[kernel.ArgFound].(*softwareBuffer)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return errors.New("software: kernel arguments not bound")
	}

	m, hit, err := c.ref.Search(high, low, lanes)
	if err != nil {
		return fmt.Errorf("software: %w", err)
	}
	if hit {
		copy(text.data, m.Mnemonic)
		found.data[0] = kernel.FoundSentinel
	}
	return nil
}

func (c *softwareContext) ReadBuffer(b Buffer, dst []byte) error {
	sb, ok := b.(*softwareBuffer)
	if !ok {
		return fmt.Errorf("software: foreign buffer %T", b)
	}
	if sb.data == nil {
		return errors.New("software: read of released buffer")
	}
	copy(dst, sb.data)
	return nil
}

func (c *softwareContext) Release() error {
	c.released = true
	return nil
}

type softwareKernel struct {
	args [kernel.ArgCount]any
}

func (k *softwareKernel) SetArg(index int, value any) error {
	if index < 0 || index >= len(k.args) {
		return fmt.Errorf("software: argument index %d out of range", index)
	}
	switch v := value.(type) {
	case uint64:
	case *softwareBuffer:
		if v.data == nil {
			return errors.New("software: argument is a released buffer")
		}
	default:
		return fmt.Errorf("software: unsupported argument type %T", value)
	}
	k.args[index] = value
	return nil
}

func (k *softwareKernel) Release() error {
	k.args = [kernel.ArgCount]any{}
	return nil
}

type softwareBuffer struct {
	data []byte
}

func (b *softwareBuffer) Size() int { return len(b.data) }

func (b *softwareBuffer) Release() error {
	b.data = nil
	return nil
}
