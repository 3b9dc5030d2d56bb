// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProviderErrorKind classifies errors coming back from the Git hosting
// provider's API.
type ProviderErrorKind string

const (
	KindNotFound       ProviderErrorKind = "not_found"
	KindAuth           ProviderErrorKind = "auth"
	KindRateLimited    ProviderErrorKind = "rate_limited"
	KindNonFastForward ProviderErrorKind = "non_fast_forward"
	KindUnknown        ProviderErrorKind = "unknown"
)

// ProviderError is a provider HTTP error translated into a stable kind.
type ProviderError struct {
	Kind ProviderErrorKind
	Op   string
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the error is worth retrying with backoff.
// Only rate limiting qualifies; auth, not-found and non-fast-forward
// failures will not improve on retry.
func (e *ProviderError) Retryable() bool { return e.Kind == KindRateLimited }

// IsKind reports whether err is a ProviderError of the given kind.
func IsKind(err error, kind ProviderErrorKind) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsNonFastForward reports whether err means the remote ref moved underneath
// the caller (push rejected, or the atomic ref update lost a race).
func IsNonFastForward(err error) bool { return IsKind(err, KindNonFastForward) }

// ConflictError is returned when a pull's merge or rebase hits content
// conflicts. The sandbox is always rolled back to its pre-merge state before
// this error is returned.
type ConflictError struct {
	Strategy string
	Paths    []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict in %d file(s): %s", e.Strategy, len(e.Paths), strings.Join(e.Paths, ", "))
}

// TimeoutError is returned when an operation exceeded its bounded duration.
type TimeoutError struct {
	Op    string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Limit)
}

// SandboxError is returned when the sandbox collaborator is unreachable or a
// command inside it could not run at all (as opposed to exiting non-zero).
type SandboxError struct {
	SandboxID string
	Err       error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s unreachable: %v", e.SandboxID, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// SignatureError is returned for webhook deliveries whose HMAC signature is
// missing or does not match the shared secret.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature invalid: %s", e.Reason)
}

// ErrLockTimeout is returned when the per-branch serialization lock could not
// be acquired within the configured wait.
var ErrLockTimeout = errors.New("timed out waiting for branch lock")

// ErrDivergedRemote is the user-facing push failure for a non-fast-forward
// rejection: the engine never force-pushes on behalf of the caller.
var ErrDivergedRemote = errors.New("remote has diverged, pull first")
