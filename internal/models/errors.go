package models

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorKind classifies the error carried by a terminal StreamEvent.
type ErrorKind string

const (
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindRateLimit  ErrorKind = "rate_limit"
	ErrorKindUpstream   ErrorKind = "upstream"
	ErrorKindStream     ErrorKind = "stream"
	ErrorKindTimeout    ErrorKind = "timeout"
)

var (
	// ErrTimeout is returned when a stream does not finish before its deadline.
	ErrTimeout = errors.New("stream timed out")
	// ErrInFlight is returned when a request is sent while another one is still streaming.
	ErrInFlight = errors.New("a request is already in flight")
)

// ValidationError reports a request rejected before any network I/O.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// UpstreamError reports a non-success HTTP status from the generative-language API.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("API Error: %d - %s", e.StatusCode, e.Body)
}

// RateLimitError reports a prompt rejected by the local rate limiter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded! Try again in %ds.", RetryAfterSeconds(e.RetryAfter))
}

// RemoteError is an error decoded from a channel event. It keeps the classification the relay assigned.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// RetryAfterSeconds rounds d up to whole seconds.
func RetryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// KindOf classifies err. Errors that match no known type are treated as stream I/O failures.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		ue *UpstreamError
		re *RateLimitError
		me *RemoteError
	)
	switch {
	case errors.As(err, &me):
		return me.Kind
	case errors.As(err, &ve):
		return ErrorKindValidation
	case errors.As(err, &ue):
		return ErrorKindUpstream
	case errors.As(err, &re):
		return ErrorKindRateLimit
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	default:
		return ErrorKindStream
	}
}

// StatusOf returns the upstream HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var (
		ue *UpstreamError
		me *RemoteError
	)
	switch {
	case errors.As(err, &ue):
		return ue.StatusCode
	case errors.As(err, &me):
		return me.StatusCode
	}
	return 0
}
