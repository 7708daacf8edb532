package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestObserverCounters(t *testing.T) {
	e := New()

	e.BatchDone("gpu0", 1024, 250*time.Millisecond)
	e.BatchDone("gpu0", 1024, 250*time.Millisecond)
	e.BatchDone("gpu1", 10, time.Millisecond)
	e.SolutionFound("gpu1")
	e.CoordinatorError("request_work")
	e.ReportFailed("progress")
	e.DeviceFailed("gpu1")

	assert.Equal(t, 2.0, testutil.ToFloat64(e.batches.WithLabelValues("gpu0")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(e.candidates.WithLabelValues("gpu0")))
	assert.Equal(t, 10.0, testutil.ToFloat64(e.candidates.WithLabelValues("gpu1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.solutions.WithLabelValues("gpu1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.coordinatorErrors.WithLabelValues("request_work")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.reportFailures.WithLabelValues("progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.deviceFailures.WithLabelValues("gpu1")))
	assert.Equal(t, 2, testutil.CollectAndCount(e.batchDuration))
}

func TestHandler(t *testing.T) {
	e := New()
	e.BatchDone("cpu0", 5, time.Second)
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `seedscan_batches_total{device="cpu0"} 1`)
	assert.Contains(t, string(body), `seedscan_candidates_total{device="cpu0"} 5`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/healthz", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Serve(ctx, zaptest.NewLogger(t), Config{Enabled: true, ListenAddr: "127.0.0.1:0"})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
