// Package httputil provides shared HTTP client utilities.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// NewDefaultRestyClient returns a resty client with the common timeout and
// user agent. Retries are left to callers since not every call is idempotent.
func NewDefaultRestyClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "atendimento-inbox/1.0")
	if baseURL != "" {
		client.SetBaseURL(baseURL)
	}
	return client
}

// WithRetries enables resty's retry loop for idempotent calls.
func WithRetries(client *resty.Client, count int) *resty.Client {
	return client.
		SetRetryCount(count).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
}
