// Package upstream talks to the backend registries: a retrying HTTP
// fetcher and the anonymous bearer-token client.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bowline-sh/bowline/pkg/logger"
)

const (
	// attemptTimeout bounds a single upstream attempt, not the whole
	// retry sequence.
	attemptTimeout = 30 * time.Second
	// defaultRetries is the total number of attempts.
	defaultRetries = 3
	// backoffBase is the first retry delay; it doubles per attempt.
	backoffBase = 1 * time.Second
)

// sharedTransport is used by every upstream call. Timeouts prevent
// resource exhaustion from slow or unresponsive registries.
var sharedTransport = &http.Transport{
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
}

// Fetcher issues upstream requests with per-attempt timeouts and
// exponential backoff on gateway errors and transport failures.
type Fetcher struct {
	client  *http.Client
	retries int
	base    time.Duration
}

// New returns a Fetcher that follows upstream redirects.
func New() *Fetcher {
	return &Fetcher{
		client:  &http.Client{Transport: sharedTransport},
		retries: defaultRetries,
		base:    backoffBase,
	}
}

// NewManualRedirect returns a Fetcher that surfaces upstream redirects
// to the caller instead of following them. The blob handler needs the
// raw 307 so it can forward the signed storage URL to the client.
func NewManualRedirect() *Fetcher {
	f := New()
	f.client = &http.Client{
		Transport: sharedTransport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return f
}

// WithRetries overrides the attempt count. Used by tests; zero or
// negative values are ignored.
func (f *Fetcher) WithRetries(n int) *Fetcher {
	if n > 0 {
		f.retries = n
	}
	return f
}

// WithBackoffBase overrides the first retry delay. Used by tests.
func (f *Fetcher) WithBackoffBase(d time.Duration) *Fetcher {
	if d > 0 {
		f.base = d
	}
	return f
}

// gatewayError marks a 502/503/504 attempt so the backoff loop retries
// it. The final response is kept: after exhaustion the caller receives
// it rather than an error.
type gatewayError struct {
	resp *http.Response
}

func (e *gatewayError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.resp.StatusCode)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do performs the request, retrying on 502/503/504 and on transport
// errors (including per-attempt timeouts) with exponential backoff.
// Every other response, 401 and 404 included, is returned immediately
// so the caller can run the auth-challenge flow. After exhausting
// retries the last gateway response is returned without error; a final
// transport failure is returned as an error.
func (f *Fetcher) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.base
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 1 * time.Minute
	bo.MaxElapsedTime = 0

	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		resp, err := f.client.Do(req.Clone(attemptCtx))
		if err != nil {
			cancel()
			logger.Debug("upstream attempt failed", "url", req.URL.String(), "attempt", attempt, "error", err)
			return nil, err
		}

		// The attempt context must stay alive until the caller has
		// consumed the body.
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}

		if retryableStatus(resp.StatusCode) {
			logger.Debug("upstream returned gateway error", "url", req.URL.String(), "attempt", attempt, "status", resp.StatusCode)
			if attempt < f.retries {
				// Not the final attempt: this response is discarded.
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
			return nil, &gatewayError{resp: resp}
		}
		return resp, nil
	}

	resp, err := backoff.RetryWithData(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(f.retries-1)), ctx),
	)
	if err != nil {
		var gwErr *gatewayError
		if errors.As(err, &gwErr) {
			// Retries exhausted on a gateway status: hand the last
			// response back rather than failing.
			return gwErr.resp, nil
		}
		return nil, fmt.Errorf("upstream fetch failed after %d attempts: %w", f.retries, err)
	}
	return resp, nil
}

// cancelOnClose ties an attempt's context to the response body so the
// connection is not torn down while the caller is still streaming.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
