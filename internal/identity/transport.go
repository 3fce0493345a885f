package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// retryTransport retries transport failures, 408, 429 and 5xx answers with
// exponential backoff. When retries run out on a bad status, the last
// response is handed back so callers see the server's answer.
type retryTransport struct {
	base            http.RoundTripper
	maxRetries      uint64
	initialInterval time.Duration
	maxElapsed      time.Duration
	log             *zap.Logger
}

type retryableStatus struct {
	code int
}

func (e *retryableStatus) Error() string {
	return fmt.Sprintf("retryable status %d", e.code)
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var (
		resp    *http.Response
		attempt int
	)

	operation := func() error {
		attempt++
		out := req
		if attempt > 1 && req.Body != nil {
			if req.GetBody == nil {
				return backoff.Permanent(errors.New("request body cannot be replayed"))
			}
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			out = req.Clone(ctx)
			out.Body = body
		}

		r, err := t.base.RoundTrip(out)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			resp = nil
			return err
		}
		if !retryable(r.StatusCode) {
			resp = r
			return nil
		}

		// keep the body so the final attempt's answer can still be read
		body, readErr := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if readErr != nil {
			resp = nil
			return readErr
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		resp = r
		return &retryableStatus{code: r.StatusCode}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.initialInterval
	policy.MaxElapsedTime = t.maxElapsed

	notify := func(err error, wait time.Duration) {
		t.log.Warn("retrying auth admin request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, t.maxRetries), ctx), notify)
	if err != nil {
		var status *retryableStatus
		if errors.As(err, &status) && resp != nil {
			return resp, nil
		}
		return nil, err
	}
	return resp, nil
}

func retryable(status int) bool {
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
}

// contextTransport attaches ctx to requests built without one.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
