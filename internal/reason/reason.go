package reason

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable rejection reason. Collaborators branch
// on codes, never on message text, to decide between retrying with fresh
// state and giving up.
type Code string

const (
	BadRequest        Code = "bad_request"
	InvalidTaskType   Code = "invalid_task_type"
	InvalidState      Code = "invalid_state"
	InvalidGate       Code = "invalid_gate"
	InvalidScope      Code = "invalid_scope"
	InvalidLevel      Code = "invalid_level"
	ScopeProductClash Code = "scope_product_mismatch"
	InvalidTransition Code = "invalid_transition"
	MissingSummary    Code = "missing_review_summary"

	NotAuthorized      Code = "not_authorized"
	GroupNotAllowed    Code = "group_not_allowed"
	WrongApprover      Code = "wrong_approver"
	ApproverIsExecutor Code = "approver_is_executor"
	CapabilityDenied   Code = "capability_denied"
	ApprovalsMissing   Code = "approvals_missing"
	ProductKilled      Code = "product_killed"

	TaskNotFound    Code = "task_not_found"
	ProductNotFound Code = "product_not_found"
	NotFound        Code = "not_found"

	VersionConflict Code = "version_conflict"
	TaskExists      Code = "task_exists"
	GateApproved    Code = "gate_already_approved"

	Backpressure        Code = "broker_backpressure"
	ProviderUnavailable Code = "provider_unavailable"

	StorageFailure Code = "storage_failure"
	Internal       Code = "internal_error"
)

type Class string

const (
	ClassValidation    Class = "validation"
	ClassAuthorization Class = "authorization"
	ClassNotFound      Class = "not_found"
	ClassConflict      Class = "conflict"
	ClassResource      Class = "resource"
	ClassDownstream    Class = "downstream"
	ClassInternal      Class = "internal"
)

var classes = map[Code]Class{
	BadRequest:        ClassValidation,
	InvalidTaskType:   ClassValidation,
	InvalidState:      ClassValidation,
	InvalidGate:       ClassValidation,
	InvalidScope:      ClassValidation,
	InvalidLevel:      ClassValidation,
	ScopeProductClash: ClassValidation,
	InvalidTransition: ClassValidation,
	MissingSummary:    ClassValidation,

	NotAuthorized:      ClassAuthorization,
	GroupNotAllowed:    ClassAuthorization,
	WrongApprover:      ClassAuthorization,
	ApproverIsExecutor: ClassAuthorization,
	CapabilityDenied:   ClassAuthorization,
	ApprovalsMissing:   ClassAuthorization,
	ProductKilled:      ClassAuthorization,

	TaskNotFound:    ClassNotFound,
	ProductNotFound: ClassNotFound,
	NotFound:        ClassNotFound,

	VersionConflict: ClassConflict,
	TaskExists:      ClassConflict,
	GateApproved:    ClassConflict,

	Backpressure:        ClassResource,
	ProviderUnavailable: ClassDownstream,

	StorageFailure: ClassInternal,
	Internal:       ClassInternal,
}

// Codes whose failures resolve on retry once the caller refreshes state or
// backs off. Everything else is a permanent denial for the given input.
var retryable = map[Code]bool{
	VersionConflict:     true,
	Backpressure:        true,
	ProviderUnavailable: true,
}

func (c Code) Class() Class {
	if cl, ok := classes[c]; ok {
		return cl
	}
	return ClassInternal
}

func (c Code) Retryable() bool { return retryable[c] }

// Error is a rejection with a stable code. Message is for humans, Details
// for structured context (field names, expected roles, versions).
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Retryable() bool { return e.Code.Retryable() }

// With attaches a detail and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap keeps the underlying cause reachable through errors.Is/As while
// presenting a coded message to callers.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the code from err, or Internal for uncoded errors.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return Internal
}

// IsRetryable reports whether the caller should retry after refreshing state.
func IsRetryable(err error) bool {
	return CodeOf(err).Retryable()
}
