package contracts

import "fmt"

// ErrorKind enumerates the external-facing error taxonomy every component
// maps its internal failures onto before they cross an API boundary.
type ErrorKind string

const (
	ErrRunNotFound            ErrorKind = "run_not_found"
	ErrEventNotFound          ErrorKind = "event_not_found"
	ErrArtifactNotFound       ErrorKind = "artifact_not_found"
	ErrApprovalNotFound       ErrorKind = "approval_not_found"
	ErrToolNotFound           ErrorKind = "tool_not_found"
	ErrSchemaViolation        ErrorKind = "schema_violation"
	ErrPolicyDenied           ErrorKind = "policy_denied"
	ErrApprovalRequired       ErrorKind = "approval_required"
	ErrApprovalDenied         ErrorKind = "approval_denied"
	ErrQuotaExceeded          ErrorKind = "quota_exceeded"
	ErrUnsafePath             ErrorKind = "unsafe_path"
	ErrRestrictedPath         ErrorKind = "restricted_path"
	ErrTimeout                ErrorKind = "timeout"
	ErrMCPError               ErrorKind = "mcp_error"
	ErrExecutionFailed        ErrorKind = "execution_failed"
	ErrWriteContended         ErrorKind = "write_contended"
	ErrTooManyConcurrentStreams ErrorKind = "too_many_concurrent_streams"
	ErrHashMismatch           ErrorKind = "hash_mismatch"
	ErrPartTooLarge           ErrorKind = "part_too_large"
	ErrArtifactTooLarge       ErrorKind = "artifact_too_large"
	ErrCSRFFailed             ErrorKind = "csrf_failed"
	ErrUnauthenticated        ErrorKind = "unauthenticated"
	ErrForbidden              ErrorKind = "forbidden"
	ErrPinnedVersionMissing   ErrorKind = "pinned_version_missing"
)

// SubstrateError is the typed error every component returns; httpapi maps
// Kind to a status code and wire body, mirroring the console's ApiError.
type SubstrateError struct {
	Kind    ErrorKind
	Message string
	// Scope qualifies quota_exceeded: "events_per_run" | "bytes_per_run".
	Scope string
	Err    error
}

func (e *SubstrateError) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SubstrateError) Unwrap() error { return e.Err }

// NewError constructs a SubstrateError with no wrapped cause.
func NewError(kind ErrorKind, message string) *SubstrateError {
	return &SubstrateError{Kind: kind, Message: message}
}

// Wrap constructs a SubstrateError around an underlying cause.
func Wrap(kind ErrorKind, message string, err error) *SubstrateError {
	return &SubstrateError{Kind: kind, Message: message, Err: err}
}

// QuotaExceeded constructs the quota_exceeded error for a specific scope,
// matching spec.md's "quota_exceeded{scope}" notation.
func QuotaExceeded(scope, message string) *SubstrateError {
	return &SubstrateError{Kind: ErrQuotaExceeded, Scope: scope, Message: message}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// a *SubstrateError, and reports whether one was found.
func KindOf(err error) (ErrorKind, bool) {
	var se *SubstrateError
	for err != nil {
		if s, ok := err.(*SubstrateError); ok {
			se = s
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if se == nil {
		return "", false
	}
	return se.Kind, true
}
