package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
)

// maxBodyBytes bounds how much of a failed response is kept for logging.
const maxBodyBytes = 64 << 10

// StatusError is a completed HTTP exchange whose status was not the one expected.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

// NewStatusError builds a StatusError from resp, draining at most 64KiB of its body.
// The caller still owns resp.Body and must close it.
func NewStatusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		if resp.Request.URL != nil {
			se.URL = resp.Request.URL.String()
		}
	}
	if resp.Body != nil {
		se.Body, _ = io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	}
	return se
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// PrettyBody returns the body indented when it is JSON, raw otherwise.
func (e *StatusError) PrettyBody() string {
	var out bytes.Buffer
	if err := json.Indent(&out, e.Body, "", "  "); err != nil {
		return string(e.Body)
	}
	return out.String()
}

// IsTransient reports whether err is a service-unavailable class response
// (502, 503 or 504) and is therefore worth retrying.
func IsTransient(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// HasStatus reports whether err carries an HTTP response with the given status.
func HasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Classify names the class of a request failure.
func Classify(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return "http error"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout error"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout error"
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return "connection error"
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return "connection error"
	}
	return "request error"
}
