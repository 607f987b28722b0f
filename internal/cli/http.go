package cli

import (
	"net/http"
	"time"

	"github.com/yogeelabs/promptchain/internal/config"
)

// httpClient builds a provider HTTP client with the configured timeout.
func httpClient(timeout string) *http.Client {
	return &http.Client{Timeout: config.Timeout(timeout, 300*time.Second)}
}
