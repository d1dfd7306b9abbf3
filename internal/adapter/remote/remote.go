// Package remote implements the HTTP clients for the catalog and
// content APIs. The clients only make authenticated requests and
// interpret status codes; pacing and backoff are the caller's job
// through the rate limiter.
package remote

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jgivc/coursepull/internal/common"
)

const (
	headerRetryAfter = "Retry-After"

	defaultRequestTimeout = 30 * time.Second
)

type Config struct {
	CatalogBaseURL string        `yaml:"catalog_base_url"`
	ContentBaseURL string        `yaml:"content_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

func do(cl *http.Client, req *http.Request, token string) ([]byte, error) {
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := cl.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body: %w", err)
	}

	return body, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &common.ThrottledError{RetryAfter: resp.Header.Get(headerRetryAfter)}
	}

	return &common.StatusError{Code: resp.StatusCode, Status: resp.Status}
}
