package moderation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the target post or user does not exist
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a post or user twice
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when an action is illegal for the current state
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrVersionConflict is returned by version-checked writes when another writer committed first
	ErrVersionConflict = errors.New("version conflict")

	// ErrContention is returned when optimistic retries are exhausted. Safe to retry.
	ErrContention = errors.New("contention: retries exhausted")

	// ErrStorageUnavailable is returned when the durable store rejects a read or write
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTimeout is returned when a query exceeds its deadline. Safe to retry.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidRequest is returned for malformed engine input
	ErrInvalidRequest = errors.New("invalid request")
)

// TransitionError describes a rejected state transition
type TransitionError struct {
	From   PostState
	Action ActionKind
}

func (e *TransitionError) Error() string {
	if e.From == PostStateRemoved {
		return fmt.Sprintf("invalid transition: post is removed, %s is not accepted", e.Action)
	}
	return fmt.Sprintf("invalid transition: cannot %s a %s post", e.Action, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// EntryError reports an audit entry whose payload does not match its type
type EntryError struct {
	Sequence uint64
	Type     EntryType
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("malformed audit entry %d of type %q", e.Sequence, e.Type)
}

// Unavailable wraps err as ErrStorageUnavailable unless it already carries a
// domain error that callers must see unchanged.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domainErr := range []error{ErrNotFound, ErrAlreadyExists, ErrVersionConflict, ErrInvalidTransition, ErrStorageUnavailable} {
		if errors.Is(err, domainErr) {
			return err
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func invalidRequest(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}
