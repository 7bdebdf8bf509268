package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"photovote/internal/httpclient"
	"photovote/internal/photovote"
)

// APIError is a non-2xx answer from the backend, carrying its message.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// Is reports rate-limit responses as photovote.ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == photovote.ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// errorBody covers the error shapes of the auth and REST services.
type errorBody struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
}

// apiError converts a transport error into an *APIError when the server
// answered; other errors are returned unchanged.
func apiError(err error) error {
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	var body errorBody
	_ = json.Unmarshal(se.Body, &body)
	msg := firstNonEmpty(body.Msg, body.Message, body.ErrorDescription, body.Error)
	if msg == "" {
		msg = http.StatusText(se.StatusCode)
	}
	return &APIError{Status: se.StatusCode, Message: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
