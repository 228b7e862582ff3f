package errors

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions
var (
	// ErrCorruptIndex is returned when a compressed record cannot be decoded
	ErrCorruptIndex = errors.New("corrupt index")

	// ErrEmptyCandidates is returned when pruning leaves an alias with no candidates
	ErrEmptyCandidates = errors.New("alias has no candidates")

	// ErrSelfCheck is returned when a freshly built index does not decode to its input
	ErrSelfCheck = errors.New("index self-check failed")

	// ErrInvalidInput is returned when request or input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedVersion is returned when an index file has an unknown format version
	ErrUnsupportedVersion = errors.New("unsupported index version")

	// ErrUnknownModel is returned when a ranker name is not recognised
	ErrUnknownModel = errors.New("unknown ranking model")

	// ErrEntityNotFound is returned when an entity id is outside the index
	ErrEntityNotFound = errors.New("entity not found")
)

// MalformedRecordError represents an unparseable alias or name line with context
type MalformedRecordError struct {
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record on line %d: %s", e.Line, e.Reason)
}

func (e *MalformedRecordError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewMalformedRecordError creates a new MalformedRecordError
func NewMalformedRecordError(line int, reason string) *MalformedRecordError {
	return &MalformedRecordError{Line: line, Reason: reason}
}

// CorruptIndexError represents a decode failure at a specific slot
type CorruptIndexError struct {
	Slot   uint64
	Reason string
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt index at slot %d: %s", e.Slot, e.Reason)
}

func (e *CorruptIndexError) Is(target error) bool {
	return target == ErrCorruptIndex
}

// NewCorruptIndexError creates a new CorruptIndexError
func NewCorruptIndexError(slot uint64, format string, args ...any) *CorruptIndexError {
	return &CorruptIndexError{Slot: slot, Reason: fmt.Sprintf(format, args...)}
}

// EmptyCandidatesError names the alias that lost every candidate
type EmptyCandidatesError struct {
	Alias string
}

func (e *EmptyCandidatesError) Error() string {
	return fmt.Sprintf("alias '%s' has no candidates after pruning", e.Alias)
}

func (e *EmptyCandidatesError) Is(target error) bool {
	return target == ErrEmptyCandidates
}

// NewEmptyCandidatesError creates a new EmptyCandidatesError
func NewEmptyCandidatesError(alias string) *EmptyCandidatesError {
	return &EmptyCandidatesError{Alias: alias}
}

// EntityNotFoundError represents a lookup of an id the index does not hold
type EntityNotFoundError struct {
	ID uint32
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity with ID '%d' not found", e.ID)
}

func (e *EntityNotFoundError) Is(target error) bool {
	return target == ErrEntityNotFound
}

// NewEntityNotFoundError creates a new EntityNotFoundError
func NewEntityNotFoundError(id uint32) *EntityNotFoundError {
	return &EntityNotFoundError{ID: id}
}

// UnknownModelError represents a ranker name that is not registered
type UnknownModelError struct {
	Name string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown ranking model '%s'", e.Name)
}

func (e *UnknownModelError) Is(target error) bool {
	return target == ErrUnknownModel
}

// NewUnknownModelError creates a new UnknownModelError
func NewUnknownModelError(name string) *UnknownModelError {
	return &UnknownModelError{Name: name}
}

// StatusCode maps an error to the HTTP-like status code reported to clients.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownModel):
		return 400
	case errors.Is(err, ErrEntityNotFound):
		return 404
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 503
	default:
		return 500
	}
}
