package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const errorBodyLimit = 1024

// timingConfig bundles the delivery knobs shared by every poster-backed
// notifier. Retry scheduling is owned here, not by the HTTP client; the
// client makes exactly one attempt per call.
type timingConfig struct {
	timeout           time.Duration
	rateInterval      time.Duration
	rateBurst         int
	backoffInitial    time.Duration
	backoffMax        time.Duration
	backoffMaxElapsed time.Duration
}

var defaultTiming = timingConfig{
	timeout:           10 * time.Second,
	rateInterval:      time.Second,
	rateBurst:         1,
	backoffInitial:    time.Second,
	backoffMax:        10 * time.Second,
	backoffMaxElapsed: 30 * time.Second,
}

// poster is the shared HTTP delivery core. Notices are rate limited per
// environment so one busy environment cannot starve the others.
type poster struct {
	logger      *slog.Logger
	target      string
	webhookURL  string
	client      *retryablehttp.Client
	timing      timingConfig
	limiterMu   sync.Mutex
	limiters    map[string]*rate.Limiter
	contentType string
}

func newPoster(logger *slog.Logger, target, webhookURL string, timing timingConfig) *poster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: timing.timeout}

	if logger == nil {
		logger = slog.Default()
	}

	return &poster{
		logger:      logger.With("notifier", target),
		target:      target,
		webhookURL:  webhookURL,
		client:      client,
		timing:      timing,
		limiters:    make(map[string]*rate.Limiter),
		contentType: "application/json",
	}
}

func (p *poster) waitForRateLimit(ctx context.Context, environmentID string) error {
	return p.limiter(environmentID).Wait(ctx)
}

func (p *poster) limiter(environmentID string) *rate.Limiter {
	p.limiterMu.Lock()
	defer p.limiterMu.Unlock()

	limiter, ok := p.limiters[environmentID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiters[environmentID] = limiter
	}
	return limiter
}

// postWithRetry delivers one payload, retrying transport failures, 429s and
// 5xx responses until backoffMaxElapsed runs out. A Retry-After header takes
// precedence over the computed backoff interval.
func (p *poster) postWithRetry(ctx context.Context, payload []byte) error {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.timing.backoffInitial
	schedule.MaxInterval = p.timing.backoffMax
	schedule.MaxElapsedTime = p.timing.backoffMaxElapsed
	schedule.Reset()

	for {
		err := p.postOnce(ctx, payload)
		if err == nil {
			return nil
		}

		var transient *transientError
		if !errors.As(err, &transient) {
			return err
		}

		wait := schedule.NextBackOff()
		if transient.retryAfter > 0 {
			wait = transient.retryAfter
		}
		if wait == backoff.Stop {
			return err
		}

		p.logger.Debug("notification delivery failed, retrying",
			"wait", wait, "error", err)
		if !sleepWithContext(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (p *poster) postOnce(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.target, err)
	}
	req.Header.Set("Content-Type", p.contentType)

	resp, err := p.client.Do(req)
	if err != nil {
		return &transientError{err: fmt.Errorf("%s request failed: %w", p.target, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &transientError{
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			err:        fmt.Errorf("%s rate limited: %s", p.target, resp.Status),
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &transientError{err: fmt.Errorf("%s server error: %s", p.target, resp.Status)}
	default:
		if text := string(bytes.TrimSpace(body)); text != "" {
			return fmt.Errorf("%s rejected notice: %s (%s)", p.target, resp.Status, text)
		}
		return fmt.Errorf("%s rejected notice: %s", p.target, resp.Status)
	}
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if wait := time.Until(when); wait > 0 {
			return wait
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// transientError marks a delivery failure worth retrying. retryAfter carries
// the server-mandated wait when one was given.
type transientError struct {
	retryAfter time.Duration
	err        error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) Unwrap() error {
	return e.err
}
