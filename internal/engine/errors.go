package engine

import (
	"errors"
	"fmt"

	"reqline/internal/repo"
)

// Kind groups failures by how a caller should react to them.
type Kind string

const (
	// KindValidation rejects malformed collaborator output or edit payloads.
	KindValidation Kind = "validation"
	// KindPrecondition means the entity is not in a state that allows the operation.
	KindPrecondition Kind = "precondition"
	// KindCollaborator wraps a remote failure; the caller may retry.
	KindCollaborator Kind = "collaborator"
	// KindConsistency is an invariant the engine should have prevented.
	KindConsistency Kind = "consistency"
)

const (
	CodeExtractionMalformed    = "ExtractionMalformed"
	CodeGenerationMalformed    = "GenerationMalformed"
	CodeEditMalformed          = "EditMalformed"
	CodeVerdictOutOfRange      = "VerdictOutOfRange"
	CodeInvalidInput           = "InvalidInput"
	CodeRequirementNotApproved = "RequirementNotApproved"
	CodeIllegalTransition      = "IllegalTransition"
	CodeNotFound               = "NotFound"
	CodeExtractionFailed       = "ExtractionFailed"
	CodeGenerationFailed       = "GenerationFailed"
	CodeJudgeFailed            = "JudgeFailed"
	CodeTicketFailed           = "TicketFailed"
	CodeEmbeddingFailed        = "EmbeddingFailed"
	CodeEmbeddingMalformed     = "EmbeddingMalformed"
	CodeRequirementArchived    = "RequirementArchived"
	CodeCanceled               = "Canceled"
	CodeInFlight               = "InFlight"
	CodeInvariantBroken        = "InvariantBroken"
)

type Error struct {
	Kind     Kind
	Code     string
	Message  string
	EntityID string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.EntityID != "" {
		msg += " (" + e.EntityID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, code, entityID string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, EntityID: entityID, Cause: cause, Message: fmt.Sprintf(format, args...)}
}

func validationErr(code, entityID, format string, args ...any) *Error {
	return newError(KindValidation, code, entityID, nil, format, args...)
}

func preconditionErr(code, entityID, format string, args ...any) *Error {
	return newError(KindPrecondition, code, entityID, nil, format, args...)
}

// CollaboratorErr wraps a remote failure under the given code.
func CollaboratorErr(code, entityID string, cause error) *Error {
	return newError(KindCollaborator, code, entityID, cause, "collaborator call failed")
}

// CanceledErr marks a batch item that was never started because the caller gave up.
func CanceledErr(entityID string, cause error) *Error {
	return newError(KindPrecondition, CodeCanceled, entityID, cause, "batch canceled before this item started")
}

// InFlightErr rejects an operation on an entity that already has one running.
func InFlightErr(entityID, op string) *Error {
	return newError(KindPrecondition, CodeInFlight, entityID, nil, "%s already in flight", op)
}

// InvalidInputErr rejects a malformed request argument.
func InvalidInputErr(entityID, format string, args ...any) *Error {
	return validationErr(CodeInvalidInput, entityID, format, args...)
}

func consistencyErr(entityID string, cause error, format string, args ...any) *Error {
	return newError(KindConsistency, CodeInvariantBroken, entityID, cause, format, args...)
}

func notFound(entityKind, id string) *Error {
	return preconditionErr(CodeNotFound, id, "%s not found", entityKind)
}

// storageErr classifies an error coming back from the repo layer.
func storageErr(err error, entityKind, id string) error {
	if err == nil {
		return nil
	}
	if _, ok := asError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return notFound(entityKind, id)
	case errors.Is(err, repo.ErrInvariant):
		return consistencyErr(id, err, "stored %s breaks an invariant", entityKind)
	}
	return fmt.Errorf("%s %s: %w", entityKind, id, err)
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or "" when err is not an engine error.
func KindOf(err error) Kind {
	if e, ok := asError(err); ok {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of err, or "" when err is not an engine error.
func CodeOf(err error) string {
	if e, ok := asError(err); ok {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool   { return KindOf(err) == KindValidation }
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }
func IsCollaborator(err error) bool { return KindOf(err) == KindCollaborator }
func IsConsistency(err error) bool  { return KindOf(err) == KindConsistency }

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool { return CodeOf(err) == code }
