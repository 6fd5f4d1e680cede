package utils

import (
	"net/http"
	"time"
)

// NewHTTPClient is the shared client factory for remote service wrappers.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
