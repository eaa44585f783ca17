package httpcatalog

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	ErrNoBaseURL = errors.New("http catalog: base url missing")
	ErrNotFound  = errors.New("http catalog: not found")
)

// APIError is the error body returned by the catalog server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if resp.GetStatusCode() == 404 {
			return fmt.Errorf("%s: %w", operation, ErrNotFound)
		}
		if apiErr, ok := resp.ErrorResult().(*APIError); ok && apiErr.Code != "" {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("%s: unexpected status %d", operation, resp.GetStatusCode())
	}

	return nil
}
