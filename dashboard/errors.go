package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// DefaultRetryAfter is used when a 429 response doesn't carry a usable
// retry hint.
const DefaultRetryAfter = 5 * time.Second

// ErrMissingCredential is returned when an operation requires a bot token
// and none was supplied. It is never retried.
var ErrMissingCredential = errors.New("bot token is required")

// UpstreamUnavailableError wraps a transport-level failure talking to
// the Discord REST API or gateway.
type UpstreamUnavailableError struct {
	Op  string
	Err error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s: discord unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// RateLimitedError is returned when Discord responds with a 429.
// RetryAfter is the upstream's suggested wait before retrying.
type RateLimitedError struct {
	Op         string
	Bucket     string
	Global     bool
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Op, e.RetryAfter)
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, matching the
// Retry-After header format.
func (e *RateLimitedError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter / time.Second)
	if e.RetryAfter%time.Second > 0 {
		secs++
	}
	return secs
}

// NotFoundError is returned when Discord reports a 404 for a specific
// resource. It is a typed miss, and is never cached.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// UpstreamStatusError covers any other non-2xx response from Discord,
// like a 401 for an invalid token or a 403 for missing permissions.
type UpstreamStatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *UpstreamStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: discord returned HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf(
		"%s: discord returned HTTP %d: %s",
		e.Op,
		e.Status,
		e.Message,
	)
}

// InvalidRequestError is returned when caller input is rejected before
// anything is sent upstream.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProtocolError describes a malformed or unexpected gateway frame. Only
// the offending frame is dropped.
type ProtocolError struct {
	Op  int
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway protocol error (op %d): %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// classifyDiscordError maps errors returned by discordgo onto the
// dashboard's error types. resource and id are used to build a
// NotFoundError.
func classifyDiscordError(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}

	var rateLimited *RateLimitedError
	if errors.As(err, &rateLimited) {
		rle := *rateLimited
		rle.Op = op
		return &rle
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		status := restErr.Response.StatusCode
		if status == http.StatusNotFound {
			return &NotFoundError{Resource: resource, ID: id}
		}
		statusErr := &UpstreamStatusError{Op: op, Status: status}
		if restErr.Message != nil {
			statusErr.Message = restErr.Message.Message
		}
		return statusErr
	}

	if errors.Is(err, discordgo.ErrUnauthorized) {
		return &UpstreamStatusError{
			Op:      op,
			Status:  http.StatusUnauthorized,
			Message: "unauthorized",
		}
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return &UpstreamUnavailableError{Op: op, Err: err}
}

// httpStatusForError returns the HTTP status the API should reply with
// for the given error.
func httpStatusForError(err error) int {
	var (
		rateLimited *RateLimitedError
		notFound    *NotFoundError
		statusErr   *UpstreamStatusError
		unavailable *UpstreamUnavailableError
		invalid     *InvalidRequestError
	)
	switch {
	case errors.Is(err, ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &statusErr):
		if statusErr.Status >= 400 && statusErr.Status < 600 {
			return statusErr.Status
		}
		return http.StatusBadGateway
	case errors.As(err, &unavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
