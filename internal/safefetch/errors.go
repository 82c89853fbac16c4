package safefetch

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
)

// Reasons attached to BlockedError.
const (
	ReasonScheme       = "scheme"
	ReasonCredentials  = "credentials"
	ReasonMissingHost  = "missing_host"
	ReasonAddress      = "blocked_address"
	ReasonRedirectLoop = "too_many_redirects"
	ReasonBadRedirect  = "bad_redirect"
)

var (
	errNoAddresses = errors.New("no addresses")
	// ErrUnpinnedDial is returned when the transport is asked to dial a host that
	// was not validated for the current request.
	ErrUnpinnedDial = errors.New("dial to unvalidated host refused")
)

// BlockedError reports a URL rejected before any connection was attempted.
type BlockedError struct {
	URL    string
	Reason string
	Addr   netip.Addr
}

func (e *BlockedError) Error() string {
	if e.Addr.IsValid() {
		return fmt.Sprintf("fetch blocked (%s): %s resolves to %s", e.Reason, e.URL, e.Addr)
	}
	return fmt.Sprintf("fetch blocked (%s): %s", e.Reason, e.URL)
}

// IsBlocked reports whether err carries a BlockedError.
func IsBlocked(err error) bool {
	var b *BlockedError
	return errors.As(err, &b)
}

// ResolveError wraps DNS failures.
type ResolveError struct {
	Host     string
	Err      error
	NotFound bool
}

func (e *ResolveError) Error() string { return "resolve " + e.Host + ": " + e.Err.Error() }
func (e *ResolveError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Retryable reports whether the status is worth retrying (429 or 5xx).
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
