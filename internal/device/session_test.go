package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/seedscan/internal/compute"
	"github.com/shizukutanaka/seedscan/internal/kernel"
	"github.com/shizukutanaka/seedscan/internal/work"
)

// fakeDevice is a scriptable compute device that records every call.
type fakeDevice struct {
	buildErr    error
	kernelErr   error
	allocErr    error
	dispatchErr error
	readErr     error

	// output written by Dispatch
	text []byte
	flag byte

	ctx *fakeContext
}

func (d *fakeDevice) Index() int       { return 3 }
func (d *fakeDevice) Name() string     { return "fake" }
func (d *fakeDevice) MaxLanes() uint64 { return 1 << 20 }

func (d *fakeDevice) Build(p *kernel.Program) (compute.Context, error) {
	if d.buildErr != nil {
		return nil, d.buildErr
	}
	d.ctx = &fakeContext{dev: d}
	return d.ctx, nil
}

type fakeContext struct {
	dev      *fakeDevice
	buffers  []*fakeBuffer
	kernel   *fakeKernel
	lanes    []uint64
	released bool
}

func (c *fakeContext) CreateBuffer(size int) (compute.Buffer, error) {
	if c.dev.allocErr != nil {
		return nil, c.dev.allocErr
	}
	b := &fakeBuffer{data: make([]byte, size)}
	c.buffers = append(c.buffers, b)
	return b, nil
}

func (c *fakeContext) CreateKernel(name string) (compute.Kernel, error) {
	if c.dev.kernelErr != nil {
		return nil, c.dev.kernelErr
	}
	c.kernel = &fakeKernel{name: name, args: map[int]any{}}
	return c.kernel, nil
}

func (c *fakeContext) Dispatch(k compute.Kernel, lanes uint64) error {
	if c.dev.dispatchErr != nil {
		return c.dev.dispatchErr
	}
	c.lanes = append(c.lanes, lanes)
	fk := k.(*fakeKernel)
	copy(fk.args[kernel.ArgCandidate].(*fakeBuffer).data, c.dev.text)
	fk.args[kernel.ArgFound].(*fakeBuffer).data[0] = c.dev.flag
	return nil
}

func (c *fakeContext) ReadBuffer(b compute.Buffer, dst []byte) error {
	if c.dev.readErr != nil {
		return c.dev.readErr
	}
	copy(dst, b.(*fakeBuffer).data)
	return nil
}

func (c *fakeContext) Release() error {
	c.released = true
	return nil
}

type fakeKernel struct {
	name     string
	args     map[int]any
	released bool
}

func (k *fakeKernel) SetArg(index int, value any) error {
	k.args[index] = value
	return nil
}

func (k *fakeKernel) Release() error {
	k.released = true
	return nil
}

type fakeBuffer struct {
	data     []byte
	released bool
}

func (b *fakeBuffer) Size() int { return len(b.data) }

func (b *fakeBuffer) Release() error {
	b.released = true
	return nil
}

// bindFailingKernel rejects every argument.
type bindFailingKernel struct{ fakeKernel }

func (k *bindFailingKernel) SetArg(int, any) error { return errors.New("CL_INVALID_ARG_SIZE") }

func openFake(t *testing.T, d *fakeDevice) *Session {
	t.Helper()
	s, err := Open(zaptest.NewLogger(t), d, kernel.Build("int_to_address", kernel.Fragment{Name: "k", Source: "__kernel void int_to_address() {}"}))
	require.NoError(t, err)
	return s
}

func TestRunBatchBindsContractArguments(t *testing.T) {
	d := &fakeDevice{}
	s := openFake(t, d)

	r := work.Range{StartHigh: 0xAA, StartLow: 0xBB, BatchSize: 4096}
	res, err := s.RunBatch(r)
	require.NoError(t, err)
	assert.False(t, res.Found)

	k := d.ctx.kernel
	assert.Equal(t, "int_to_address", k.name)
	assert.Equal(t, uint64(0xAA), k.args[kernel.ArgStartHigh])
	assert.Equal(t, uint64(0xBB), k.args[kernel.ArgStartLow])
	assert.Equal(t, []uint64{4096}, d.ctx.lanes)

	require.Len(t, d.ctx.buffers, 2)
	assert.Equal(t, kernel.CandidateSize, d.ctx.buffers[0].Size())
	assert.Equal(t, kernel.FoundSize, d.ctx.buffers[1].Size())
	assert.Same(t, d.ctx.buffers[0], k.args[kernel.ArgCandidate])
	assert.Same(t, d.ctx.buffers[1], k.args[kernel.ArgFound])
	for _, b := range d.ctx.buffers {
		assert.True(t, b.released, "buffers are released after every batch")
	}
}

func TestRunBatchAllocatesFreshBuffers(t *testing.T) {
	d := &fakeDevice{}
	s := openFake(t, d)

	for i := 0; i < 3; i++ {
		_, err := s.RunBatch(work.Range{BatchSize: 1})
		require.NoError(t, err)
	}
	assert.Len(t, d.ctx.buffers, 6)
}

func TestRunBatchFound(t *testing.T) {
	mnemonic := "abandon ability able about above absent absorb abstract absurd abuse access accident"
	d := &fakeDevice{text: []byte(mnemonic), flag: kernel.FoundSentinel}
	s := openFake(t, d)

	res, err := s.RunBatch(work.Range{BatchSize: 8})
	require.NoError(t, err)
	require.True(t, res.Found)

	text, err := res.Text()
	require.NoError(t, err)
	assert.Equal(t, mnemonic, text)
	assert.NotContains(t, text, "\x00")
}

func TestRunBatchFlagMustBeSentinel(t *testing.T) {
	d := &fakeDevice{text: []byte("junk"), flag: 0x02}
	s := openFake(t, d)

	res, err := s.RunBatch(work.Range{BatchSize: 8})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestRunBatchStages(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		stage string
		dev   *fakeDevice
	}{
		{StageAllocate, &fakeDevice{allocErr: boom}},
		{StageEnqueue, &fakeDevice{dispatchErr: boom}},
		{StageRead, &fakeDevice{readErr: boom}},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			s := openFake(t, tt.dev)
			_, err := s.RunBatch(work.Range{BatchSize: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDispatch)
			assert.ErrorIs(t, err, boom)

			var de *DispatchError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.stage, de.Stage)
			assert.Equal(t, "fake", de.Device)
		})
	}
}

func TestRunBatchBindFailure(t *testing.T) {
	d := &fakeDevice{}
	s := openFake(t, d)
	s.kern = &bindFailingKernel{}

	_, err := s.RunBatch(work.Range{BatchSize: 1})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StageBind, de.Stage)
}

func TestOpenFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	prog := kernel.Build("int_to_address")

	_, err := Open(logger, &fakeDevice{buildErr: errors.New("CL_BUILD_PROGRAM_FAILURE")}, prog)
	assert.ErrorIs(t, err, ErrDispatch)

	d := &fakeDevice{kernelErr: errors.New("CL_INVALID_KERNEL_NAME")}
	_, err = Open(logger, d, prog)
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, StageBuild, de.Stage)
	assert.True(t, d.ctx.released, "context is released when kernel creation fails")
}

func TestClose(t *testing.T) {
	d := &fakeDevice{}
	s := openFake(t, d)
	require.NoError(t, s.Close())
	assert.True(t, d.ctx.released)
	assert.True(t, d.ctx.kernel.released)
}

func TestResultText(t *testing.T) {
	var r Result
	copy(r.Candidate[:], "abandon ability")
	text, err := r.Text()
	require.NoError(t, err)
	assert.Equal(t, "abandon ability", text)

	copy(r.Candidate[:], []byte{0xff, 0xfe})
	_, err = r.Text()
	assert.Error(t, err)
}

func TestSessionWithSoftwareBackend(t *testing.T) {
	targets, err := kernel.ParseTargets(kernel.AddressP2PKH, []string{"1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA"})
	require.NoError(t, err)
	path, err := kernel.ParsePath("m/44'/0'/0'/0/0")
	require.NoError(t, err)
	ref, err := kernel.NewReference(kernel.ReferenceConfig{Targets: targets, Path: path})
	require.NoError(t, err)
	platform, err := compute.NewPlatform(compute.BackendSoftware, compute.Options{Reference: ref})
	require.NoError(t, err)
	devs, err := platform.Devices()
	require.NoError(t, err)

	s, err := Open(zaptest.NewLogger(t), devs[0], kernel.Build(kernel.DefaultEntry, targets.Fragment()))
	require.NoError(t, err)
	defer s.Close()

	// Repeated dispatch of the same range is deterministic.
	for i := 0; i < 2; i++ {
		res, err := s.RunBatch(work.Range{BatchSize: 2})
		require.NoError(t, err)
		require.True(t, res.Found)
		text, err := res.Text()
		require.NoError(t, err)
		assert.Equal(t, "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", text)
	}

	res, err := s.RunBatch(work.Range{StartLow: 1, BatchSize: 2})
	require.NoError(t, err)
	assert.False(t, res.Found)
}
