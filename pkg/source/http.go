package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kraklabs/sysrev/pkg/classify"
)

// defaultTimeout is used when an AdapterConfig doesn't specify one.
const defaultTimeout = 15 * time.Second

// httpClient returns a client timed out per cfg.TimeoutSeconds, falling
// back to defaultTimeout. Adapters construct one per call rather than
// sharing a package-level client, since the timeout is per-task
// configurable.
func httpClient(timeoutSeconds int) *http.Client {
	timeout := defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// getJSON issues a GET to u and decodes the JSON body into out, returning
// the raw bytes alongside for CachedPage's raw_blob. Failures are
// translated into *classify.AdapterError so pkg/worker can classify and
// retry without inspecting transport internals.
func getJSON(ctx context.Context, client *http.Client, u *url.URL, out any) ([]byte, error) {
	return getJSONWithHeaders(ctx, client, u, nil, out)
}

// getJSONWithHeaders is getJSON plus caller-supplied request headers (an
// adapter API key, for instance).
func getJSONWithHeaders(ctx context.Context, client *http.Client, u *url.URL, headers map[string]string, out any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &classify.AdapterError{Kind: classify.Internal, Cause: err}
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		timeout := errors.As(err, &netErr) && netErr.Timeout()
		return nil, &classify.AdapterError{Timeout: timeout, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &classify.AdapterError{Kind: classify.Network, Cause: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return body, &classify.AdapterError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Cause:      errors.New("rate limited"),
		}
	}
	if resp.StatusCode/100 != 2 {
		return body, &classify.AdapterError{StatusCode: resp.StatusCode, Cause: errors.New(resp.Status)}
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, &classify.AdapterError{Kind: classify.Parse, Cause: err}
		}
	}
	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}
