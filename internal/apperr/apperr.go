// Package apperr defines the error taxonomy shared by the pipeline:
// validation failures, upstream failures (including timeouts) and
// unparseable AI replies.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Upstream service names.
const (
	ServiceMarket = "market"
	ServiceFleet  = "fleet"
	ServiceSites  = "sites"
	ServiceAI     = "ai"
)

// ValidationError reports a missing or invalid input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return e.Field + " required"
	}
	return e.Field + ": " + e.Reason
}

// Required builds a ValidationError for a missing field.
func Required(field string) error {
	return &ValidationError{Field: field}
}

// Invalid builds a ValidationError with a reason.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// UpstreamError reports a failed or unreachable dependency. StatusCode and
// Body hold the upstream reply verbatim when one was received.
type UpstreamError struct {
	Service    string
	StatusCode int
	Body       string
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: timed out: %v", e.Service, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps a transport error, flagging deadline expiry as a timeout.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Service: service, Timeout: isDeadline(err), Err: err}
}

// Status builds an UpstreamError for a non-success reply.
func Status(service string, code int, body string) error {
	return &UpstreamError{Service: service, StatusCode: code, Body: body}
}

func isDeadline(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ParseError reports an AI reply that could not be decoded.
type ParseError struct {
	Stage string
	Raw   string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AsUpstream extracts an UpstreamError from err.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// IsTimeout reports whether err is a timed-out upstream call.
func IsTimeout(err error) bool {
	if ue, ok := AsUpstream(err); ok {
		return ue.Timeout
	}
	return isDeadline(err)
}

// IsParse reports whether err is a ParseError.
func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// HTTPStatus maps an error to the status a transport should answer with.
// Upstream replies are relayed with their own status.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if IsValidation(err) {
		return http.StatusBadRequest
	}
	if ue, ok := AsUpstream(err); ok {
		switch {
		case ue.Timeout:
			return http.StatusGatewayTimeout
		case ue.StatusCode != 0:
			return ue.StatusCode
		default:
			return http.StatusBadGateway
		}
	}
	if IsTimeout(err) {
		return http.StatusGatewayTimeout
	}
	if IsParse(err) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
