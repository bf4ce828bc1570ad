package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind categorizes a stream failure. Kinds drive the auto-retry
// decision: only network, service_unavailable, rate_limit, and unknown are
// retryable; everything else abandons the turn immediately.
type ErrorKind string

const (
	ErrAuthentication       ErrorKind = "authentication"
	ErrPermissionDenied     ErrorKind = "permission_denied"
	ErrQuota                ErrorKind = "quota"
	ErrPolicy               ErrorKind = "policy"
	ErrConfiguration        ErrorKind = "configuration"
	ErrInvalidModelString   ErrorKind = "invalid_model_string"
	ErrProviderNotSupported ErrorKind = "provider_not_supported"
	ErrProviderDisabled     ErrorKind = "provider_disabled"
	ErrContextExceeded      ErrorKind = "context_exceeded"
	ErrRateLimit            ErrorKind = "rate_limit"
	ErrServiceUnavailable   ErrorKind = "service_unavailable"
	ErrNetwork              ErrorKind = "network"
	ErrUnknown              ErrorKind = "unknown"
)

// IsRetryable reports whether a failure of this kind should be handed to the
// auto-retry scheduler.
func (k ErrorKind) IsRetryable() bool {
	switch k {
	case ErrRateLimit, ErrServiceUnavailable, ErrNetwork, ErrUnknown:
		return true
	default:
		return false
	}
}

// AuthKind refines authentication failures.
type AuthKind string

const (
	AuthAPIKeyMissing      AuthKind = "api_key_missing"
	AuthInvalidCredentials AuthKind = "invalid_credentials"
	AuthOAuthNotConnected  AuthKind = "oauth_not_connected"
)

// StreamError is a classified provider failure. It captures what the retry
// manager and the chat event bus need: the kind, the provider, and the raw
// cause for debugging.
type StreamError struct {
	Kind      ErrorKind
	AuthKind  AuthKind
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

func (e *StreamError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError wraps a raw provider error with classification.
func NewStreamError(providerName, model string, cause error) *StreamError {
	err := &StreamError{
		Provider: providerName,
		Model:    model,
		Cause:    cause,
		Kind:     ErrUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Kind = Classify(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *StreamError) WithStatus(status int) *StreamError {
	e.Status = status
	if kind := classifyStatus(status); kind != ErrUnknown {
		e.Kind = kind
	}
	return e
}

// WithCode records a provider-specific error code and reclassifies when the
// code is recognized.
func (e *StreamError) WithCode(code string) *StreamError {
	e.Code = code
	if kind := classifyCode(code); kind != ErrUnknown {
		e.Kind = kind
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *StreamError) WithRequestID(id string) *StreamError {
	e.RequestID = id
	return e
}

// WithMessage overrides the human-readable message.
func (e *StreamError) WithMessage(msg string) *StreamError {
	e.Message = msg
	return e
}

// AsStreamError extracts a StreamError from an error chain.
func AsStreamError(err error) (*StreamError, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the classified kind of any error.
func KindOf(err error) ErrorKind {
	if se, ok := AsStreamError(err); ok {
		return se.Kind
	}
	return Classify(err)
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return KindOf(err).IsRetryable()
}

// Classify inspects a raw error and maps it onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "context length"),
		strings.Contains(errStr, "context window"),
		strings.Contains(errStr, "maximum context"),
		strings.Contains(errStr, "prompt is too long"),
		strings.Contains(errStr, "context_length_exceeded"):
		return ErrContextExceeded

	case strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "401"):
		return ErrAuthentication

	case strings.Contains(errStr, "forbidden"),
		strings.Contains(errStr, "permission"),
		strings.Contains(errStr, "403"):
		return ErrPermissionDenied

	case strings.Contains(errStr, "billing"),
		strings.Contains(errStr, "payment"),
		strings.Contains(errStr, "quota"),
		strings.Contains(errStr, "insufficient credit"),
		strings.Contains(errStr, "402"):
		return ErrQuota

	case strings.Contains(errStr, "content_filter"),
		strings.Contains(errStr, "content policy"),
		strings.Contains(errStr, "safety"):
		return ErrPolicy

	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return ErrRateLimit

	case strings.Contains(errStr, "model not found"),
		strings.Contains(errStr, "model_not_found"),
		strings.Contains(errStr, "does not exist"):
		return ErrConfiguration

	case strings.Contains(errStr, "service unavailable"),
		strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "bad gateway"),
		strings.Contains(errStr, "overloaded"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return ErrServiceUnavailable

	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "broken pipe"),
		strings.Contains(errStr, "unexpected eof"),
		strings.Contains(errStr, "network"):
		return ErrNetwork
	}

	return ErrUnknown
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthentication
	case status == http.StatusForbidden:
		return ErrPermissionDenied
	case status == http.StatusPaymentRequired:
		return ErrQuota
	case status == http.StatusTooManyRequests:
		return ErrRateLimit
	case status == http.StatusNotFound:
		return ErrConfiguration
	case status >= 500:
		return ErrServiceUnavailable
	default:
		return ErrUnknown
	}
}

func classifyCode(code string) ErrorKind {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ErrRateLimit
	case "authentication_error", "invalid_api_key":
		return ErrAuthentication
	case "permission_error":
		return ErrPermissionDenied
	case "billing_error", "insufficient_quota":
		return ErrQuota
	case "content_policy_violation", "content_filter":
		return ErrPolicy
	case "context_length_exceeded", "invalid_request_error.context":
		return ErrContextExceeded
	case "overloaded_error", "server_error", "internal_error", "api_error":
		return ErrServiceUnavailable
	case "not_found_error", "model_not_found":
		return ErrConfiguration
	default:
		return ErrUnknown
	}
}
