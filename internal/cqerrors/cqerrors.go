// Package cqerrors provides the typed error kinds shared across the
// cascade sync, graph, validation, and query cores (spec §7). It mirrors
// the teacher's infrastructure/errors package: a code, a message, optional
// structured details, and an underlying cause — except the carried
// metadata here is a process exit code (spec §6 "Exit codes") rather than
// an HTTP status; internal/rpcserver derives its HTTP status from that exit
// code when the cores are served over HTTP.
package cqerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the typed error conditions from spec §7.
type Kind string

const (
	KindCircuitOpen     Kind = "CIRCUIT_OPEN"
	KindFieldRestricted Kind = "FIELD_RESTRICTED"
	KindSchemaMissing   Kind = "SCHEMA_MISSING"
	KindSchemaEmpty     Kind = "SCHEMA_EMPTY"
	KindUnindexedFilter Kind = "UNINDEXED_FILTER"
	KindLockHeld        Kind = "LOCK_HELD"
	KindUpstream        Kind = "UPSTREAM_UNAVAILABLE"
	KindSink            Kind = "SINK_ERROR"
	KindValidation      Kind = "VALIDATION_ERROR"
	KindCancelled       Kind = "CANCELLED"
	KindInternal        Kind = "INTERNAL"
)

// Exit codes per spec §6.
const (
	ExitOK               = 0
	ExitValidationFail   = 1
	ExitUpstreamOrCircuit = 2
	ExitPartialDLQ       = 3
	ExitInternal         = 64
)

// CoreError is the structured error type returned across package
// boundaries in this module.
type CoreError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Err }

// WithDetail attaches a diagnostic key/value and returns the receiver for
// chaining.
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ExitCode maps the error kind to the process exit code from spec §6.
func (e *CoreError) ExitCode() int {
	switch e.Kind {
	case KindValidation, KindUnindexedFilter, KindSchemaMissing, KindSchemaEmpty:
		return ExitValidationFail
	case KindUpstream, KindCircuitOpen:
		return ExitUpstreamOrCircuit
	default:
		return ExitInternal
	}
}

func newErr(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

func wrapErr(kind Kind, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Err: err}
}

// CircuitOpen reports that a call was rejected by an open circuit breaker
// guarding the named service ("extractor", "embedder", "vector_sink").
func CircuitOpen(service string) *CoreError {
	return newErr(KindCircuitOpen, "circuit breaker open").WithDetail("service", service)
}

// FieldRestricted reports that the upstream refused to return a field.
func FieldRestricted(field, reason string) *CoreError {
	return newErr(KindFieldRestricted, "field access restricted by upstream").
		WithDetail("field", field).WithDetail("reason", reason)
}

// SchemaMissing reports a model absent from the registry, with suggestions.
func SchemaMissing(model string, suggestions []string) *CoreError {
	return newErr(KindSchemaMissing, fmt.Sprintf("model %q not found in schema registry", model)).
		WithDetail("model", model).WithDetail("suggestions", suggestions)
}

// SchemaEmpty reports that no schema has been loaded at all.
func SchemaEmpty() *CoreError {
	return newErr(KindSchemaEmpty, "no schema loaded; run `sync schema` first")
}

// UnindexedFilter reports filter conditions referencing unindexed fields.
func UnindexedFilter(fields []string) *CoreError {
	return newErr(KindUnindexedFilter, "filter references unindexed field(s)").
		WithDetail("fields", fields)
}

// LockHeld reports that a concurrent sync already holds the model lock.
func LockHeld(model string, elapsedSeconds float64, progress string) *CoreError {
	return newErr(KindLockHeld, fmt.Sprintf("sync for model %q already in progress", model)).
		WithDetail("model", model).
		WithDetail("elapsed_seconds", elapsedSeconds).
		WithDetail("progress", progress)
}

// UpstreamUnavailable wraps a transport-level failure from the upstream.
func UpstreamUnavailable(err error) *CoreError {
	return wrapErr(KindUpstream, "upstream database unavailable", err)
}

// SinkError wraps a vector sink rejection.
func SinkError(detail string, err error) *CoreError {
	return wrapErr(KindSink, detail, err)
}

// ValidationError reports one or more argument/schema violations at once.
func ValidationError(problems []string) *CoreError {
	return newErr(KindValidation, "request validation failed").
		WithDetail("problems", problems)
}

// Cancelled reports ambient cancellation.
func Cancelled() *CoreError {
	return newErr(KindCancelled, "operation cancelled")
}

// Internal wraps an unexpected internal failure.
func Internal(message string, err error) *CoreError {
	return wrapErr(KindInternal, message, err)
}

// As extracts a *CoreError from an error chain, if present.
func As(err error) (*CoreError, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Of reports whether err is a CoreError of the given kind.
func Of(err error, kind Kind) bool {
	ce, ok := As(err)
	return ok && ce.Kind == kind
}
