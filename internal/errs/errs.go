// Package errs defines the typed error taxonomy shared across every
// layer of the service. Each layer wraps lower-level errors into one of
// these kinds before returning — no foreign error type is allowed to
// leak past a component boundary.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Kind identifies which of the fixed error taxonomy a failure belongs
// to.
type Kind int

const (
	// KindStore covers any failure of the snapshot store: connection
	// errors, malformed rows, or a query that could not be satisfied.
	KindStore Kind = iota
	// KindDecode covers a malformed EVM transaction, holder blob, or
	// raw RPC transaction payload.
	KindDecode
	// KindInstruction covers a per-builtin host instruction failure
	// during replay.
	KindInstruction
	// KindScript covers an embedded-script failure at any tracer
	// callback point.
	KindScript
	// KindStepBudget covers an EVM interpreter that did not exit
	// within the configured step budget.
	KindStepBudget
	// KindUnknownTx covers a request naming a transaction signature or
	// hash the store has no record of.
	KindUnknownTx
)

func (k Kind) String() string {
	switch k {
	case KindStore:
		return "store_error"
	case KindDecode:
		return "decode_error"
	case KindInstruction:
		return "instruction_error"
	case KindScript:
		return "script_error"
	case KindStepBudget:
		return "step_budget"
	case KindUnknownTx:
		return "unknown_tx"
	default:
		return "unknown_error"
	}
}

// taxError is the concrete type behind every error this package
// constructs; Kind() lets callers switch on taxonomy without string
// matching, while the wrapped cockroachdb/errors chain still carries a
// captured stack trace for operator diagnosis.
type taxError struct {
	kind Kind
	err  error
}

func (e *taxError) Error() string { return e.err.Error() }
func (e *taxError) Unwrap() error { return e.err }
func (e *taxError) Kind() Kind    { return e.kind }

// Store wraps err as a StoreError, capturing a stack trace at the wrap
// site.
func Store(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &taxError{kind: KindStore, err: errors.Wrap(err, msg)}
}

// Storef wraps err as a StoreError with a formatted message.
func Storef(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &taxError{kind: KindStore, err: errors.Wrapf(err, format, args...)}
}

// Decode constructs a DecodeError.
func Decode(msg string) error {
	return &taxError{kind: KindDecode, err: errors.New(msg)}
}

// Decodef constructs a DecodeError with a formatted message.
func Decodef(format string, args ...any) error {
	return &taxError{kind: KindDecode, err: errors.Newf(format, args...)}
}

// WrapDecode wraps err as a DecodeError.
func WrapDecode(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &taxError{kind: KindDecode, err: errors.Wrap(err, msg)}
}

// Instruction constructs an InstructionError.
func Instruction(msg string) error {
	return &taxError{kind: KindInstruction, err: errors.New(msg)}
}

// Instructionf constructs an InstructionError with a formatted message.
func Instructionf(format string, args ...any) error {
	return &taxError{kind: KindInstruction, err: errors.Newf(format, args...)}
}

// Script wraps err as a ScriptError.
func Script(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &taxError{kind: KindScript, err: errors.Wrap(err, msg)}
}

// StepBudget constructs a StepBudget error; it is never treated as
// Fatal-class at the RPC edge.
func StepBudget(steps uint64) error {
	return &taxError{kind: KindStepBudget, err: errors.Newf("interpreter did not halt within %d steps", steps)}
}

// UnknownTx constructs an UnknownTx error for a signature or hash the
// store has no record of.
func UnknownTx(ref string) error {
	return &taxError{kind: KindUnknownTx, err: errors.Newf("unknown transaction %q", ref)}
}

// KindOf extracts the Kind of err, walking the wrap chain. ok is false
// if err (or anything it wraps) was not constructed by this package.
func KindOf(err error) (k Kind, ok bool) {
	var te *taxError
	if errors.As(err, &te) {
		return te.kind, true
	}
	return 0, false
}

// IsFatal reports whether err should be reported to the crash
// aggregator. Per the taxonomy, step-budget exhaustion is an expected
// outcome of replaying untrusted historical data, not a service fault.
func IsFatal(err error) bool {
	k, ok := KindOf(err)
	if !ok {
		return true
	}
	return k != KindStepBudget && k != KindUnknownTx
}
