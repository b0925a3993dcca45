package model

import (
	"errors"
	"fmt"
)

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind/RuleID rather than matching error strings.
// Use errors.As to extract *Error for structured handling.
type Kind string

const (
	// KindClockGap marks an absent counter row. It is auto-healed and only logged.
	KindClockGap                 Kind = "ClockInitializationGap"
	KindNonPositiveIncrement     Kind = "NonPositiveIncrement"
	KindDigestMismatch           Kind = "DigestMismatch"
	KindOrphanChain              Kind = "OrphanChain"
	KindNonMonotonicLamport      Kind = "NonMonotonicLamport"
	KindInvalidHandoffTransition Kind = "InvalidHandoffTransition"
	KindWitnessVerification      Kind = "WitnessVerificationFailure"
	// KindConsensusNotReached is informational; the caller decides policy.
	KindConsensusNotReached Kind = "ConsensusNotReached"
	KindNotFound            Kind = "NotFound"
	KindFormat              Kind = "Format"
	KindInvalid             Kind = "Invalid"
	KindInternal            Kind = "Internal"
)

// Error is the ledger's structured error type.
//
// RuleID is a stable identifier (e.g. LEDGER-CLOCK-101, LEDGER-HANDOFF-201)
// naming the violated invariant. Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	RuleID  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError returns a structured error without a cause.
func NewError(kind Kind, ruleID, msg string) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: msg}
}

// Errorf is NewError with a formatted message.
func Errorf(kind Kind, ruleID, format string, args ...any) error {
	return &Error{Kind: kind, RuleID: ruleID, Message: fmt.Sprintf(format, args...)}
}

// WrapError returns a structured error carrying cause.
func WrapError(kind Kind, ruleID, msg string, cause error) error {
	if cause == nil {
		return NewError(kind, ruleID, msg)
	}
	return &Error{Kind: kind, RuleID: ruleID, Message: msg, Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
//
// Joined errors (errors.Join) are searched member by member.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if IsKind(e, kind) {
				return true
			}
		}
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Kind == kind {
		return true
	}
	return IsKind(e.Cause, kind)
}

// RuleID returns the stable RuleID for a structured error, or "" if unknown.
func RuleID(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.RuleID
}
