package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeCoordinator records what the worker posts and serves a canned GET body.
type fakeCoordinator struct {
	mu        sync.Mutex
	workBody  string
	status    int
	secrets   []string
	progress  []map[string]string
	solutions []map[string]string
}

func (f *fakeCoordinator) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/work", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.secrets = append(f.secrets, req.URL.Query().Get("secret"))
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, f.workBody)
	}).Methods(http.MethodGet)
	r.HandleFunc("/work", f.record(&f.progress)).Methods(http.MethodPost)
	r.HandleFunc("/mnemonic", f.record(&f.solutions)).Methods(http.MethodPost)
	return r
}

func (f *fakeCoordinator) record(dst *[]map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		*dst = append(*dst, body)
		_, _ = io.WriteString(w, "ok")
	}
}

func newTestClient(t *testing.T, f *fakeCoordinator) *Client {
	t.Helper()
	srv := httptest.NewServer(f.router())
	t.Cleanup(srv.Close)

	c, err := NewClient(zaptest.NewLogger(t), Config{BaseURL: srv.URL + "/", Secret: "s3cret", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestRequestWork(t *testing.T) {
	f := &fakeCoordinator{workBody: `{"indices":[5,10,2047],"offset":"340282366920938463463374607431768211455","batch_size":4096}`}
	c := newTestClient(t, f)

	a, err := c.RequestWork(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []uint16{5, 10, 2047}, a.Digits)
	assert.Equal(t, "340282366920938463463374607431768211455", a.Offset.Dec())
	assert.Equal(t, uint64(4096), a.BatchSize)
	assert.Equal(t, []string{"s3cret"}, f.secrets)
}

func TestRequestWorkAcceptsNumericOffset(t *testing.T) {
	f := &fakeCoordinator{workBody: `{"indices":[],"offset":18446744073709551616,"batch_size":1}`}
	c := newTestClient(t, f)

	a, err := c.RequestWork(context.Background())
	require.NoError(t, err)
	assert.Empty(t, a.Digits)
	assert.Equal(t, "18446744073709551616", a.Offset.Dec())
}

func TestRequestWorkProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing batch_size", `{"indices":[1,2],"offset":"0"}`},
		{"missing indices", `{"offset":"0","batch_size":1}`},
		{"missing offset", `{"indices":[1],"batch_size":1}`},
		{"null offset", `{"indices":[1],"offset":null,"batch_size":1}`},
		{"digit too large", `{"indices":[1,2048],"offset":"0","batch_size":1}`},
		{"negative digit", `{"indices":[-1],"offset":"0","batch_size":1}`},
		{"fractional digit", `{"indices":[1.5],"offset":"0","batch_size":1}`},
		{"offset not a number", `{"indices":[1],"offset":"abc","batch_size":1}`},
		{"offset wider than 128 bits", `{"indices":[1],"offset":"340282366920938463463374607431768211456","batch_size":1}`},
		{"batch size wrong type", `{"indices":[1],"offset":"0","batch_size":"many"}`},
		{"quoted digit", `{"indices":["5"],"offset":"0","batch_size":1}`},
		{"quoted batch size", `{"indices":[5],"offset":"0","batch_size":"7"}`},
		{"null batch size", `{"indices":[5],"offset":"0","batch_size":null}`},
		{"zero batch size", `{"indices":[1],"offset":"0","batch_size":0}`},
		{"not json", `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &fakeCoordinator{workBody: tt.body})
			_, err := c.RequestWork(context.Background())
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestRequestWorkStatusMapping(t *testing.T) {
	c := newTestClient(t, &fakeCoordinator{status: http.StatusServiceUnavailable})
	_, err := c.RequestWork(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	c = newTestClient(t, &fakeCoordinator{status: http.StatusForbidden})
	_, err = c.RequestWork(context.Background())
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestRequestWorkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(zaptest.NewLogger(t), Config{BaseURL: url, Secret: "x", Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.RequestWork(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRequestWorkTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	c, err := NewClient(zaptest.NewLogger(t), Config{BaseURL: srv.URL, Secret: "x", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.RequestWork(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReportProgress(t *testing.T) {
	f := &fakeCoordinator{}
	c := newTestClient(t, f)

	offset, err := uint256.FromDecimal("123456789012345678901234567890")
	require.NoError(t, err)
	require.NoError(t, c.ReportProgress(context.Background(), *offset))

	require.Len(t, f.progress, 1)
	assert.Equal(t, map[string]string{
		"offset": "123456789012345678901234567890",
		"secret": "s3cret",
	}, f.progress[0])
}

func TestReportSolution(t *testing.T) {
	f := &fakeCoordinator{}
	c := newTestClient(t, f)

	mnemonic := "abandon ability able about above absent absorb abstract absurd abuse access accident"
	require.NoError(t, c.ReportSolution(context.Background(), *uint256.NewInt(42), mnemonic))

	require.Len(t, f.solutions, 1)
	assert.Equal(t, mnemonic, f.solutions[0]["mnemonic"])
	assert.Equal(t, "42", f.solutions[0]["offset"])
	assert.Equal(t, "s3cret", f.solutions[0]["secret"])
}

func TestReportFailure(t *testing.T) {
	c := newTestClient(t, &fakeCoordinator{status: http.StatusInternalServerError})

	err := c.ReportProgress(context.Background(), *uint256.NewInt(1))
	assert.ErrorIs(t, err, ErrReport)

	err = c.ReportSolution(context.Background(), *uint256.NewInt(1), "abandon")
	assert.ErrorIs(t, err, ErrReport)
}

func TestNewClientValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewClient(logger, Config{})
	assert.Error(t, err)

	_, err = NewClient(logger, Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)

	c, err := NewClient(logger, Config{BaseURL: "http://localhost:3000/api/"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000/api/work", c.endpoint("work").String())
	assert.Equal(t, DefaultTimeout, c.http.Timeout)
}
