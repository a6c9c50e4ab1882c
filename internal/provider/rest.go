package provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/njoerd114/eventsync/internal/model"
)

// DefaultTimeout bounds every provider request whose client sets none.
const DefaultTimeout = 30 * time.Second

const userAgent = "eventsync/1.0"

// NewRESTClient returns a resty client for baseURL. A nil hc uses a fresh
// [http.Client]; tests pass the client of an httptest server.
func NewRESTClient(hc *http.Client, baseURL string) *resty.Client {
	if hc == nil {
		hc = &http.Client{}
	}
	c := resty.NewWithClient(hc).
		SetBaseURL(baseURL).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	if hc.Timeout == 0 {
		c.SetTimeout(DefaultTimeout)
	}
	return c
}

// CheckResponse converts a resty outcome into the error taxonomy: transport
// failures are wrapped with provider and operation, non-2xx statuses become
// an [*HTTPError].
func CheckResponse(t model.ProviderType, op string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", t, op, err)
	}
	if resp.IsError() {
		return &HTTPError{Provider: t, Operation: op, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}
