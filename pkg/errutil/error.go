package errutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) URL() string {
	values := url.Values{}

	values.Set("error_code", string(e.Code))
	values.Set("error_message", e.Message)

	for _, d := range e.Details {
		values.Set("details["+strings.TrimSpace(d.Field)+"]", d.Message)
	}

	return values.Encode()
}

// JSON renders the error body. Wrapped causes are never included so storage
// and provider internals do not leak to API clients.
func (e BaseError) JSON(now time.Time) interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":      e.Code,
			"message":   e.Message,
			"details":   e.Details,
			"timestamp": now.UTC().Format(time.RFC3339),
		},
	}
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = append(be.Details, details...) }
}

func WithDetail(field, message string) Option {
	return WithDetails(Detail{Field: field, Message: message})
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWithErr(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

// StatusOf returns the CoreStatus carried by err, StatusInternal otherwise.
func StatusOf(err error) CoreStatus {
	var base BaseError
	if errors.As(err, &base) {
		return base.Code
	}
	return StatusInternal
}

// Is reports whether err carries the given status.
func Is(err error, status CoreStatus) bool {
	if err == nil {
		return false
	}
	var base BaseError
	return errors.As(err, &base) && base.Code == status
}

func NotFound(msg string, err error, options ...Option) error {
	return newWithErr(StatusNotFound, msg, err, options)
}

func UnprocessableEntity(msg string, err error, options ...Option) error {
	return newWithErr(StatusUnprocessableEntity, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWithErr(StatusConflict, msg, err, options)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWithErr(StatusBadRequest, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusValidationFailed, msg, err, options)
}

func Internal(msg string, err error, options ...Option) error {
	return newWithErr(StatusInternal, msg, err, options)
}

func Unauthorized(msg string, err error, options ...Option) error {
	return newWithErr(StatusUnauthorized, msg, err, options)
}

func Forbidden(msg string, err error, options ...Option) error {
	return newWithErr(StatusForbidden, msg, err, options)
}

// Concurrency reports a lost optimistic-concurrency race on a resource.
func Concurrency(resourceType, resourceID string, options ...Option) error {
	options = append(options, WithDetail("resource_type", resourceType), WithDetail("resource_id", resourceID))
	return New(StatusConcurrency, fmt.Sprintf("%s %s was modified concurrently", resourceType, resourceID), options...)
}

func OAuth(msg string, err error, options ...Option) error {
	return newWithErr(StatusOAuth, msg, err, options)
}

func RewardAssignmentFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusRewardAssignmentFailed, msg, err, options)
}

func RewardRevocationFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusRewardRevocationFailed, msg, err, options)
}

func ProductMappingFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusProductMappingFailed, msg, err, options)
}

func ProviderIntegrationFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusProviderIntegrationFailed, msg, err, options)
}

func WebhookProcessingFailed(msg string, err error, options ...Option) error {
	return newWithErr(StatusWebhookProcessingFailed, msg, err, options)
}
