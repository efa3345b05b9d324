package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrProbeTimeout is returned when a node's health endpoint did not answer
// within the configured timeout. The monitor treats it like any other
// probe failure.
var ErrProbeTimeout = errors.New("health probe timed out")

// CheckFunc probes the health endpoint of the node listening on port.
// It returns nil when the node is healthy.
type CheckFunc func(ctx context.Context, port int) error

// HTTPProber performs GET http://{Host}:{port}/health.
type HTTPProber struct {
	client *http.Client
	Host   string
}

// NewHTTPProber creates a prober whose requests never outlive timeout, even
// if the caller's context has no deadline.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		Host:   "localhost",
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the health endpoint of the node on port.
func (p *HTTPProber) URL(port int) string {
	return "http://" + p.Host + ":" + strconv.Itoa(port) + "/health"
}

// Check implements CheckFunc. Any status outside 2xx counts as unhealthy.
//
// Returns:
//   - nil: The endpoint answered 2xx
//   - ErrProbeTimeout: No answer within the timeout (wrapped)
//   - error: Connection failure or non-success status
func (p *HTTPProber) Check(ctx context.Context, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(port), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("%w: port %d", ErrProbeTimeout, port)
		}
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
