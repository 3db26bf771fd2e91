// Package errors defines the domain error taxonomy for the pool engine.
//
// Every user-visible failure carries a machine-readable code plus enough
// structured detail (which check failed, current vs limit values) to be
// actionable without exposing internal state.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Code is a machine-readable classification of a domain error.
type Code string

const (
	CodeValidation           Code = "validation_error"
	CodeStaleQuote           Code = "stale_quote"
	CodeInsufficientCapacity Code = "insufficient_capacity"
	CodeVenueTransient       Code = "venue_transient_error"
	CodeInsolvency           Code = "insolvency"
	CodeAlreadyClaimed       Code = "already_claimed"
	CodeAlreadyVoted         Code = "already_voted"
	CodePoolPaused           Code = "pool_paused"
	CodeCircuitOpen          Code = "circuit_open"
	CodeNotFound             Code = "not_found"
	CodeInternal             Code = "internal_error"
)

// Error is the unified domain error carrying a code and structured fields.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two domain errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a structured detail field.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// New creates a domain error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// As is a re-export of the standard library errors.As.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is a re-export of the standard library errors.Is.
func Is(err, target error) bool { return errors.Is(err, target) }

// CodeOf extracts the domain code from any error, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given domain code.
func HasCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// NewValidation creates a malformed-request error. Not retried.
func NewValidation(field, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

// NewStaleQuote signals that the freshest available quote exceeds the
// staleness bound; pricing must refuse rather than silently reuse it.
func NewStaleQuote(coverageType string, age, bound time.Duration) *Error {
	return New(CodeStaleQuote, fmt.Sprintf("quote for %s is %s old, staleness bound is %s", coverageType, age, bound)).
		WithField("coverage_type", coverageType).
		WithField("quote_age", age.String()).
		WithField("staleness_bound", bound.String())
}

// NewInsufficientCapacity reports a RiskGate rejection. User-visible, no retry.
func NewInsufficientCapacity(check string, current, limit decimal.Decimal) *Error {
	return New(CodeInsufficientCapacity, fmt.Sprintf("admission check %q failed: %s exceeds limit %s", check, current, limit)).
		WithField("check", check).
		WithField("current", current.String()).
		WithField("limit", limit.String())
}

// NewVenueTransient wraps a transient venue failure eligible for retry.
func NewVenueTransient(venue string, cause error) *Error {
	return Wrap(CodeVenueTransient, fmt.Sprintf("venue %s transient failure", venue), cause).
		WithField("venue", venue)
}

// NewInsolvency reports a loss exceeding total pool capital. Fatal: the pool
// is paused and external intervention is required.
func NewInsolvency(shortfall decimal.Decimal) *Error {
	return New(CodeInsolvency, fmt.Sprintf("pool insolvent, uncovered shortfall %s", shortfall)).
		WithField("shortfall", shortfall.String())
}

// NewAlreadyClaimed guards duplicate filings against a claimed policy.
func NewAlreadyClaimed(policyID uint64) *Error {
	return New(CodeAlreadyClaimed, fmt.Sprintf("policy %d already has a claim", policyID)).
		WithField("policy_id", fmt.Sprintf("%d", policyID))
}

// NewAlreadyVoted guards duplicate votes on a claim.
func NewAlreadyVoted(voter string) *Error {
	return New(CodeAlreadyVoted, fmt.Sprintf("voter %s has already voted on this claim", voter)).
		WithField("voter", voter)
}

// NewPoolPaused rejects mutations while the pool is paused.
func NewPoolPaused(reason string) *Error {
	return New(CodePoolPaused, fmt.Sprintf("pool is paused: %s", reason)).
		WithField("reason", reason)
}

// NewNotFound reports a missing entity.
func NewNotFound(entity string, id interface{}) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %v not found", entity, id)).
		WithField("entity", entity)
}
