package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for storage lookups. Typed Errors carry the user-facing codes;
// these mark conditions callers branch on.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Stable error codes surfaced to users and metrics. Messages are translated
// at the transport; codes never change.
const (
	// Provider-origin.
	CodeKieAuth                 = "KIE_AUTH"
	CodeKiePaymentRequired      = "KIE_PAYMENT_REQUIRED"
	CodeKieValidation           = "KIE_VALIDATION"
	CodeKieRateLimit            = "KIE_RATE_LIMIT"
	CodeKieTimeout              = "KIE_TIMEOUT"
	CodeKieServerError          = "KIE_SERVER_ERROR"
	CodeKieFailState            = "KIE_FAIL_STATE"
	CodeKieResultEmpty          = "KIE_RESULT_EMPTY"
	CodeKieResultEmptyText      = "KIE_RESULT_EMPTY_TEXT"
	CodeKieResultURLInvalid     = "KIE_RESULT_URL_INVALID"
	CodeKieResultInvalidContent = "KIE_RESULT_INVALID_CONTENT"

	// Validation-origin.
	CodeParamMissing     = "PARAM_MISSING"
	CodeParamInvalidEnum = "PARAM_INVALID_ENUM"
	CodePricingNotFound  = "PRICING_NOT_FOUND"

	// Delivery-origin.
	CodeDeliverFailed    = "TG_DELIVER_FAILED"
	CodeMediaTooLarge    = "TG_MEDIA_TOO_LARGE"
	CodeInvalidResultURL = "INVALID_RESULT_URL"

	// Storage-origin.
	CodeStorageReadFail  = "STORAGE_READ_FAIL"
	CodeStorageWriteFail = "STORAGE_WRITE_FAIL"
	CodeDBDegraded       = "DB_DEGRADED"

	// System-origin.
	CodeCircuitOpen      = "CIRCUIT_BREAKER_OPEN"
	CodeBillingInvariant = "BILLING_INVARIANT"
	CodeInternal         = "INTERNAL_EXCEPTION"
	CodeInsufficient     = "INSUFFICIENT_FUNDS"
	CodeCanceled         = "CANCELED"
)

// Error is the typed failure surfaced by the job lifecycle. Every surfaced
// failure carries a stable code, a correlation id, and optionally a hint the
// transport renders next to the message.
type Error struct {
	Code    string
	Message string
	Hint    string
	CorrID  string
	err     error
}

// NewError constructs an Error with the given stable code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a fix hint and returns e.
func (e *Error) WithHint(hint string) *Error { e.Hint = hint; return e }

// WithCorrID attaches the correlation id and returns e.
func (e *Error) WithCorrID(id string) *Error { e.CorrID = id; return e }

// Wrap records the underlying cause and returns e.
func (e *Error) Wrap(err error) *Error { e.err = err; return e }

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.CorrID != "" {
		b.WriteString(" (corr=")
		b.WriteString(e.CorrID)
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.err }

// Is matches two Errors by code so errors.Is works against code sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the stable code from err, walking wrapped causes.
// Unclassified errors report INTERNAL_EXCEPTION.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err != nil {
		return CodeInternal
	}
	return ""
}

// HintOf extracts the fix hint from err, if any.
func HintOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }

// Retryable reports whether the failure is transient and worth a backoff
// retry. Provider rate limits, timeouts, and degraded storage qualify;
// validation and billing failures never do.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeKieRateLimit, CodeKieTimeout, CodeKieServerError, CodeDBDegraded, CodeStorageReadFail, CodeStorageWriteFail:
		return true
	}
	return false
}
