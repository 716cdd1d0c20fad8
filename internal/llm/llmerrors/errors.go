// Package llmerrors defines the canonical error taxonomy shared by every
// provider adapter and the layers above them. Vendor SDK errors are mapped
// into this taxonomy before they leave an adapter.
package llmerrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind categorizes a failure for retry and surfacing decisions.
type Kind string

const (
	// KindAuthentication indicates missing or rejected credentials. Not retried.
	KindAuthentication Kind = "authentication"

	// KindRateLimit indicates a vendor 429. Retried with backoff, honoring
	// RetryAfter when the vendor supplied one.
	KindRateLimit Kind = "rate_limit"

	// KindTimeout indicates the request exceeded the adapter timeout. Retried.
	KindTimeout Kind = "timeout"

	// KindValidation indicates the request or a structured response failed
	// local schema validation. Not retried.
	KindValidation Kind = "validation"

	// KindProvider indicates a vendor 5xx, malformed response, or other
	// uncategorized vendor failure. Retried on 5xx.
	KindProvider Kind = "provider"

	// KindConfiguration indicates a provider was requested but is not
	// configured. Not retried.
	KindConfiguration Kind = "configuration"

	// KindExecution is used by the flow, conversation, and task layers for
	// internal invariant violations.
	KindExecution Kind = "execution"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindProvider:
		return true
	default:
		return false
	}
}

// Error is the canonical error carried across the provider boundary.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Message  string

	// RetryAfter is the vendor-suggested wait for rate-limit errors, when known.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the error may succeed on retry. 5xx provider
// errors retry; other provider failures surface immediately.
func (e *Error) Retryable() bool {
	if e.Kind == KindProvider {
		return e.Status == 0 || e.Status >= 500
	}
	return e.Kind.Retryable()
}

// New creates a canonical error of the given kind.
func New(kind Kind, provider, model, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Message: message}
}

// Wrap maps a raw vendor error into the taxonomy, classifying by message
// when no structured information is available.
func Wrap(provider, model string, cause error) *Error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return e
	}
	return &Error{
		Kind:     Classify(cause),
		Provider: provider,
		Model:    model,
		Message:  cause.Error(),
		Cause:    cause,
	}
}

// Authentication builds a non-retryable credentials error.
func Authentication(provider, message string) *Error {
	return &Error{Kind: KindAuthentication, Provider: provider, Message: message, Status: http.StatusUnauthorized}
}

// RateLimit builds a retryable rate-limit error with an optional vendor wait.
func RateLimit(provider string, retryAfter time.Duration, cause error) *Error {
	e := &Error{Kind: KindRateLimit, Provider: provider, Status: http.StatusTooManyRequests, RetryAfter: retryAfter, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Timeout builds a retryable timeout error.
func Timeout(provider string, cause error) *Error {
	e := &Error{Kind: KindTimeout, Provider: provider, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Validation builds a non-retryable local validation error.
func Validation(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, Cause: cause}
}

// Configuration builds a non-retryable configuration error.
func Configuration(message string) *Error {
	return &Error{Kind: KindConfiguration, Message: message}
}

// Execution builds an internal invariant error for the orchestration layers.
func Execution(message string) *Error {
	return &Error{Kind: KindExecution, Message: message}
}

// ProviderFailure builds a vendor-side error with an HTTP status when known.
func ProviderFailure(provider, model string, status int, cause error) *Error {
	e := &Error{Kind: KindProvider, Provider: provider, Model: model, Status: status, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Classify inspects a raw error's message and returns the matching kind.
// Used as the fallback when a vendor SDK surfaces untyped errors.
func Classify(err error) Kind {
	if err == nil {
		return KindProvider
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return KindRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "invalid_api_key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return KindAuthentication
	default:
		return KindProvider
	}
}

// ClassifyStatus returns the kind matching an HTTP status code.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthentication
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindProvider
	}
}

// KindOf extracts the canonical kind from an error chain. Unmapped errors
// report KindProvider.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// IsRetryable reports whether the error chain warrants a retry attempt.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return Classify(err).Retryable()
}

// RetryAfterOf returns the vendor-suggested wait from the error chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// As extracts a canonical error from the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
