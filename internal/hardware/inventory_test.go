package hardware

import (
	"testing"

	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDetect(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inv, err := Detect(logger)
	if err != nil {
		t.Logf("partial inventory: %v", err)
	}
	require.NotNil(t, inv)
	assert.Positive(t, inv.Host.Threads)
	inv.Log(logger)
}

func TestGPUFromCardWithoutDeviceInfo(t *testing.T) {
	g := gpuFromCard(&gpu.GraphicsCard{Index: 1, Address: "0000:01:00.0"})
	assert.Equal(t, GPU{Index: 1, Address: "0000:01:00.0", Vendor: "unknown", Product: "unknown"}, g)
	assert.Contains(t, g.String(), "0000:01:00.0")
}
