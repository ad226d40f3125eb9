// Package errkind classifies pipeline errors into the taxonomy of spec §7
// so that retry, scheduling, and alerting policy can switch on kind rather
// than on error identity or stack unwinding.
package errkind

import "errors"

// Kind is the error classification used by retry and scheduling policy.
type Kind string

const (
	// Transient errors (timeout, 429, 5xx) are retried with backoff.
	Transient Kind = "transient"
	// Credential errors (expired token, 401) stop scheduling for the data source.
	Credential Kind = "credential"
	// Schema errors (malformed record) cause the single record to be skipped.
	Schema Kind = "schema"
	// Consistency errors (torn snapshot) trigger a single retry of the load.
	Consistency Kind = "consistency"
	// Fatal errors (store unreachable at startup) fail process liveness.
	Fatal Kind = "fatal"
)

// Classified pairs an error with its taxonomy kind.
type Classified struct {
	Kind Kind
	Err  error
}

func (c *Classified) Error() string { return c.Err.Error() }
func (c *Classified) Unwrap() error { return c.Err }

// Classify wraps err with the given kind. A nil err returns nil.
func Classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Classified{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err, walking the unwrap chain. Unclassified
// errors default to Transient, the safest retry policy for an unknown fault.
func KindOf(err error) Kind {
	var c *Classified
	if errors.As(err, &c) {
		return c.Kind
	}
	return Transient
}

// IsRetryable reports whether an error of this kind should be retried with backoff.
func IsRetryable(kind Kind) bool {
	return kind == Transient
}
