// Package coordinator talks to the external work coordinator that hands out
// search ranges and records progress and solutions.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/shizukutanaka/seedscan/internal/work"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable covers transport failures and server side errors.
	ErrUnavailable = errors.New("coordinator unavailable")
	// ErrProtocol means the coordinator answered with something that is not
	// a valid work assignment.
	ErrProtocol = errors.New("coordinator protocol error")
	// ErrReport means a progress or solution report was not acknowledged.
	ErrReport = errors.New("coordinator report failed")
)

const (
	DefaultTimeout = 30 * time.Second

	// maxBodySize bounds how much of a response is read.
	maxBodySize = 1 << 20
)

// Config is the static coordinator configuration.
type Config struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// Client is a coordinator client. It holds no state between calls apart
// from its configuration and is safe for concurrent use by device loops.
type Client struct {
	logger  *zap.Logger
	baseURL *url.URL
	secret  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The caller is responsible for its
// timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient validates cfg and returns a Client.
func NewClient(logger *zap.Logger, cfg Config, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("coordinator base url is empty")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid coordinator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid coordinator url scheme %q", u.Scheme)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		logger:  logger,
		baseURL: u,
		secret:  cfg.Secret,
		// Bounds every call, including callers without a deadline.
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: timeout,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RequestWork asks the coordinator for the next range. It returns an error
// wrapping ErrUnavailable or ErrProtocol; both are retryable.
func (c *Client) RequestWork(ctx context.Context) (work.Assignment, error) {
	u := c.endpoint("work")
	q := url.Values{}
	q.Set("secret", c.secret)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return work.Assignment{}, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return work.Assignment{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return work.Assignment{}, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return work.Assignment{}, fmt.Errorf("%w: GET /work: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return work.Assignment{}, fmt.Errorf("%w: GET /work: status %d", ErrProtocol, resp.StatusCode)
	}

	a, err := parseAssignment(body)
	if err != nil {
		return work.Assignment{}, err
	}

	c.logger.Debug("Received work",
		zap.Int("digits", len(a.Digits)),
		zap.String("offset", a.Offset.Dec()),
		zap.Uint64("batch_size", a.BatchSize),
	)
	return a, nil
}

// ReportProgress tells the coordinator the range at offset was scanned.
// It makes a single attempt.
func (c *Client) ReportProgress(ctx context.Context, offset uint256.Int) error {
	return c.post(ctx, "work", progressRequest{
		Offset: offset.Dec(),
		Secret: c.secret,
	})
}

// ReportSolution sends a found mnemonic. It makes a single attempt; retry
// policy belongs to the caller.
func (c *Client) ReportSolution(ctx context.Context, offset uint256.Int, mnemonic string) error {
	return c.post(ctx, "mnemonic", solutionRequest{
		Mnemonic: mnemonic,
		Offset:   offset.Dec(),
		Secret:   c.secret,
	})
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode /%s: %v", ErrReport, path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path).String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build /%s request: %v", ErrReport, path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST /%s: %v", ErrReport, path, err)
	}
	defer resp.Body.Close()
	// The acknowledgement body carries nothing we use.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: POST /%s: status %d", ErrReport, path, resp.StatusCode)
	}
	return nil
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.baseURL
	u.Path = u.Path + "/" + path
	return &u
}
