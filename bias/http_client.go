package bias

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/paulmach/orb"
)

const (
	// DefaultOracleTimeout is the default HTTP request timeout for one batch.
	DefaultOracleTimeout = 60 * time.Second

	// DefaultOracleRetries is the default number of attempts per batch.
	DefaultOracleRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 500 * time.Millisecond

	// maxResponseBytes limits the response body to 50 MB to prevent OOM.
	maxResponseBytes = 50 << 20
)

// ClientOption configures an OracleClient.
type ClientOption func(*OracleClient)

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *OracleClient) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of attempts per batch.
func WithMaxRetries(n int) ClientOption {
	return func(c *OracleClient) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(c *OracleClient) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *OracleClient) {
		c.client = client
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *OracleClient) {
		c.token = token
	}
}

// OracleClient is an ElevationOracle backed by an HTTP point-sampling service.
// It is constructed explicitly and shared by all workers; there is no global session.
type OracleClient struct {
	url         string
	token       string
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

// NewOracleClient creates a client for the service at url.
func NewOracleClient(url string, opts ...ClientOption) (*OracleClient, error) {
	if url == "" {
		return nil, fmt.Errorf("elevation oracle: URL is empty")
	}
	c := &OracleClient{
		url:         url,
		timeout:     DefaultOracleTimeout,
		maxRetries:  DefaultOracleRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// NewOracleClientFromConfig builds a client from the oracle section of the config.
func NewOracleClientFromConfig(cfg OracleConfig, opts ...ClientOption) (*OracleClient, error) {
	base := []ClientOption{WithToken(cfg.Token)}
	if cfg.Timeout > 0 {
		base = append(base, WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRetries > 0 {
		base = append(base, WithMaxRetries(cfg.MaxRetries))
	}
	return NewOracleClient(cfg.URL, append(base, opts...)...)
}

type elevationRequest struct {
	Points [][2]float64 `json:"points"` // [lon, lat]
}

type elevationResponse struct {
	Elevations []*float64 `json:"elevations"`
}

// permanentError marks failures that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Elevations samples the reference surface at points. Null values in the response
// come back as NaN. Transport failures and 5xx responses are retried with
// exponential backoff.
func (c *OracleClient) Elevations(ctx context.Context, points []orb.Point) ([]float64, error) {
	if len(points) == 0 {
		return nil, nil
	}

	req := elevationRequest{Points: make([][2]float64, len(points))}
	for i, p := range points {
		req.Points[i] = [2]float64{p.Lon(), p.Lat()}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("elevation oracle: marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range c.maxRetries {
		if attempt > 0 {
			backoff := c.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("elevation oracle: %w", ctx.Err())
			case <-time.After(backoff):
			}
			log.Printf("[ORACLE] retrying %d points (attempt %d/%d): %v", len(points), attempt+1, c.maxRetries, lastErr)
		}

		resp, err := c.doPost(ctx, body)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return nil, fmt.Errorf("elevation oracle: %w", err)
			}
			lastErr = err
			continue
		}

		if len(resp.Elevations) != len(points) {
			return nil, fmt.Errorf("elevation oracle: got %d values for %d points", len(resp.Elevations), len(points))
		}
		out := make([]float64, len(points))
		for i, v := range resp.Elevations {
			if v == nil {
				out[i] = math.NaN()
				continue
			}
			out[i] = *v
		}
		return out, nil
	}

	return nil, fmt.Errorf("elevation oracle: all %d attempts failed: %w", c.maxRetries, lastErr)
}

// doPost performs a single request and decodes the response.
func (c *OracleClient) doPost(ctx context.Context, body []byte) (*elevationResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP POST %s: %w", c.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("HTTP POST %s: status %d", c.url, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &permanentError{fmt.Errorf("HTTP POST %s: status %d", c.url, resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", c.url, err)
	}

	var out elevationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		// Malformed payloads are not transient; do not retry.
		return nil, &permanentError{fmt.Errorf("parsing JSON response: %w", err)}
	}
	return &out, nil
}
