package types

import "errors"

// ErrorKind is the stable machine-readable category of a fetch-layer failure.
// Batch summaries bucket per-URL failures by kind.
type ErrorKind string

const (
	KindInvalidURL          ErrorKind = "INVALID_URL"
	KindInvalidScheme       ErrorKind = "INVALID_SCHEME"
	KindBlockedHost         ErrorKind = "BLOCKED_HOST"
	KindBlockedHostRedirect ErrorKind = "BLOCKED_HOST_REDIRECT"
	KindDowngradeBlocked    ErrorKind = "DOWNGRADE_BLOCKED"
	KindTooManyRedirects    ErrorKind = "TOO_MANY_REDIRECTS"
	KindRedirectNoLocation  ErrorKind = "REDIRECT_NO_LOCATION"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindSizeLimit           ErrorKind = "SIZE_LIMIT"
	KindCircuitOpen         ErrorKind = "CIRCUIT_OPEN"
	KindRateLimitTimeout    ErrorKind = "RATE_LIMIT_TIMEOUT"
	KindTransport           ErrorKind = "TRANSPORT"
)

// Permanent reports whether a failure of this kind should never be retried.
func (k ErrorKind) Permanent() bool {
	switch k {
	case KindInvalidURL, KindInvalidScheme, KindBlockedHost, KindBlockedHostRedirect,
		KindDowngradeBlocked, KindTooManyRedirects, KindRedirectNoLocation:
		return true
	}
	return false
}

// FetchError is the typed failure returned by the fetch layer. Redirect-path
// failures keep the partial chain for diagnostics.
type FetchError struct {
	Kind    ErrorKind
	Message string
	Chain   []RedirectHop
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewError builds a FetchError without an underlying cause.
func NewError(kind ErrorKind, message string) *FetchError {
	return &FetchError{Kind: kind, Message: message}
}

// WrapError builds a FetchError around an underlying cause.
func WrapError(kind ErrorKind, message string, err error) *FetchError {
	return &FetchError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from err, or empty string for foreign errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// ChainOf extracts the partial redirect chain from err, if any.
func ChainOf(err error) []RedirectHop {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Chain
	}
	return nil
}
