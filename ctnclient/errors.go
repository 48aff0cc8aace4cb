package ctnclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrClient        = errors.New("client error")
	ErrMissingHost   = fmt.Errorf("%w: inconsistent request: URL missing host", ErrClient)
	ErrInvalidHeader = fmt.Errorf("%w: invalid header value", ErrClient)
	ErrInvalidHost   = fmt.Errorf("%w: invalid host", ErrClient)
	ErrConnect       = fmt.Errorf("%w: failed to establish connection", ErrClient)
	ErrUnmarshal     = fmt.Errorf("%w: inconsistent API response", ErrClient)
	ErrProtocol      = fmt.Errorf("%w: notification channel protocol violation", ErrClient)
	ErrChannelClosed = fmt.Errorf("%w: notification channel closed", ErrClient)
)

type catenisErrorResponseSchema struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// APIError is returned when the Catenis service answers with a non-success status.
type APIError struct {
	StatusCode     int
	Status         string
	BodyMessage    string
	CatenisMessage string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s", e.Message())
}

// Message formats the most specific description available as "[code] - description".
func (e *APIError) Message() string {
	description := e.CatenisMessage
	if description == "" {
		description = e.BodyMessage
	}
	if description == "" {
		description = e.Status
	}

	return fmt.Sprintf("[%d] - %s", e.StatusCode, description)
}

func newAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Status:     http.StatusText(statusCode),
	}

	var errResp catenisErrorResponseSchema
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		apiErr.CatenisMessage = errResp.Message
	} else {
		apiErr.BodyMessage = string(body)
	}

	return apiErr
}
