package observers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

const (
	defaultHTTPTimeout  = 10 * time.Second
	maxProbeBodyBytes   = 1 << 20
	httpObserverRetries = 2
)

// HTTPObserver probes an endpoint and observes either the raw response body
// or a value extracted from a JSON document via a dotted path.
type HTTPObserver struct{}

func (o *HTTPObserver) Type() domain.ObserverType { return domain.ObserverHTTP }

func (o *HTTPObserver) Observe(ctx context.Context, cfg domain.ObserverConfig) (string, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	client := retryablehttp.NewClient()
	client.RetryMax = httpObserverRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, method, cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", cfg.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("probe %s: unexpected status %d", cfg.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if cfg.JSONPath == "" {
		return strings.TrimSpace(string(body)), nil
	}
	return extractJSONPath(body, cfg.JSONPath)
}

// extractJSONPath walks a dotted path ("status.maintenance") through a JSON
// document and renders the leaf as a string.
func extractJSONPath(body []byte, path string) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("parse json response: %w", err)
	}

	current := doc
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("json path %q: segment %q is not an object", path, segment)
		}
		current, ok = obj[segment]
		if !ok {
			return "", fmt.Errorf("json path %q: key %q not found", path, segment)
		}
	}

	switch v := current.(type) {
	case string:
		return v, nil
	case bool:
		return fmt.Sprintf("%t", v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case nil:
		return "", nil
	default:
		rendered, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("render json value: %w", err)
		}
		return string(rendered), nil
	}
}
