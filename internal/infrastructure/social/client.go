package social

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"papertrail/internal/domain"
	"papertrail/internal/metrics"
)

const userAgent = "papertrail/1.0 (+https://github.com/papertrail)"

var errNotListed = errors.New("not listed")

// client is the rate-limited JSON transport shared by every platform.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func newClient(name, baseURL string, httpClient *http.Client, perSecond float64, burst int) client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return client{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (c client) getJSON(ctx context.Context, path string, v any) error {
	err := c.doJSON(ctx, path, v)
	outcome := metrics.Outcome(err)
	if errors.Is(err, errNotListed) {
		outcome = "not_listed"
	}
	metrics.PlatformLookups.WithLabelValues(c.name, outcome).Inc()
	return err
}

func (c client) doJSON(ctx context.Context, path string, v any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &domain.PlatformError{Platform: c.name, Kind: domain.KindRateLimited, Err: fmt.Errorf("local limiter: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &domain.PlatformError{Platform: c.name, Kind: domain.KindUnreachable, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotListed
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.PlatformError{Platform: c.name, Kind: domain.KindRateLimited, Err: fmt.Errorf("%s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &domain.PlatformError{Platform: c.name, Kind: domain.KindUnreachable, Err: fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(snippet)))}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &domain.PlatformError{Platform: c.name, Kind: domain.KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
