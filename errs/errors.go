// Package errs names the seven error kinds of the framework (spec §7) as
// distinct exported types so callers can errors.As/errors.Is on meaning,
// not string matching, following the wrapping style of the teacher's
// types.EngineError.
package errs

import "fmt"

// InterceptorFailure wraps a panic/error raised by an interceptor. The write
// or read it short-circuited never reaches the terminal accessor and the
// change stream is never touched (spec §4.B, §7.1).
type InterceptorFailure struct {
	Property string
	Err      error
}

func (e *InterceptorFailure) Error() string {
	return fmt.Sprintf("interceptor failure on %s: %s", e.Property, e.Err)
}
func (e *InterceptorFailure) Unwrap() error { return e.Err }

// ValidationFailure reports a write-interceptor veto on validation grounds
// (spec §7.2). The backing field is unchanged.
type ValidationFailure struct {
	Property string
	Reason   string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("validation failure on %s: %s", e.Property, e.Reason)
}

// SourceWriteFailure reports that a bound source rejected a write (spec
// §7.3). Reported via WriteResult, never thrown back across the call that
// triggered the local write.
type SourceWriteFailure struct {
	Source string
	Err    error
}

func (e *SourceWriteFailure) Error() string {
	return fmt.Sprintf("source %s rejected write: %s", e.Source, e.Err)
}
func (e *SourceWriteFailure) Unwrap() error { return e.Err }

// TransientConnectorFailure is eligible for retry via the circuit-breaker
// gated reconnect loop (spec §7.4): timeout, session expiry, channel
// closed, too-many-ops, server-not-connected.
type TransientConnectorFailure struct {
	Op  string
	Err error
}

func (e *TransientConnectorFailure) Error() string {
	return fmt.Sprintf("transient connector failure during %s: %s", e.Op, e.Err)
}
func (e *TransientConnectorFailure) Unwrap() error { return e.Err }

// PermanentConnectorFailure is never retried and is reported per-change
// (spec §7.5): unknown node, bad attribute, wrong type, not-writable,
// access denied.
type PermanentConnectorFailure struct {
	Op  string
	Err error
}

func (e *PermanentConnectorFailure) Error() string {
	return fmt.Sprintf("permanent connector failure during %s: %s", e.Op, e.Err)
}
func (e *PermanentConnectorFailure) Unwrap() error { return e.Err }

// ConfigurationFailure is detected at construction time: a bad URI,
// negative timeout, or a single-source rule violation (spec §7.6). It
// fails fast — no partial system ever starts.
type ConfigurationFailure struct {
	Field  string
	Reason string
}

func (e *ConfigurationFailure) Error() string {
	return fmt.Sprintf("configuration failure: %s: %s", e.Field, e.Reason)
}

// LifecycleFailure reports that a hosted service's Start threw (spec
// §7.7). The subject stays attached; the framework logs and proceeds.
type LifecycleFailure struct {
	Subject string
	Err     error
}

func (e *LifecycleFailure) Error() string {
	return fmt.Sprintf("lifecycle start failed for %s: %s", e.Subject, e.Err)
}
func (e *LifecycleFailure) Unwrap() error { return e.Err }

// NotAttachedError is returned when a property operation that requires
// context services is performed on a subject never attached to any
// context (spec §4.A). A bare write on a standalone subject still
// succeeds; only operations requiring services fail this way.
type NotAttachedError struct {
	Subject  string
	Property string
}

func (e *NotAttachedError) Error() string {
	return fmt.Sprintf("%s.%s: subject not attached to any context", e.Subject, e.Property)
}
