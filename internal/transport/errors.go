package transport

import (
	"encoding/json"
	"net/http"

	"github.com/mtaalamux/client/internal/errs"
)

// statusError maps a final non-2xx response onto the error taxonomy. The message comes
// from the body's detail, error or message field when present.
func statusError(status int, body []byte) *errs.Error {
	e := &errs.Error{Status: status}
	msg := serverMessage(body)
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = errs.KindUnauthenticated
		e.Action = errs.ActionLogin
		e.RedirectTo = "/login"
		e.Message = firstNonEmpty(msg, "Session expired. Please log in again.")
	case status == http.StatusForbidden:
		e.Kind = errs.KindNotPermitted
		e.Message = firstNonEmpty(msg, "You do not have permission to perform this action.")
	case status == http.StatusNotFound:
		e.Kind = errs.KindNotFound
		e.Message = firstNonEmpty(msg, "The requested resource was not found.")
	case status == http.StatusTooManyRequests:
		e.Kind = errs.KindRateLimited
		e.Retryable = true
		e.Message = firstNonEmpty(msg, "Too many requests. Please try again later.")
	case status >= 500:
		e.Kind = errs.KindServerError
		e.Retryable = true
		e.Message = firstNonEmpty(msg, "Server error. Please try again later.")
	default:
		e.Kind = errs.KindInvalidInput
		e.Message = firstNonEmpty(msg, "The request was invalid.")
	}
	return e
}

func serverMessage(body []byte) string {
	var m struct {
		Detail  any `json:"detail"`
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if json.Unmarshal(body, &m) != nil {
		return ""
	}
	for _, v := range []any{m.Detail, m.Error, m.Message} {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
