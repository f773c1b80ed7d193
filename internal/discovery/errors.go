package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotUnreadable means the file is missing, truncated or not a valid snapshot.
	ErrSnapshotUnreadable = errors.New("snapshot unreadable")
	// ErrSnapshotStale means the generation is not newer than the last processed one.
	ErrSnapshotStale = errors.New("snapshot stale")
)

// Error describes a rejected snapshot. errors.Is matches its Kind.
type Error struct {
	Kind       error // ErrSnapshotUnreadable or ErrSnapshotStale
	Path       string
	Generation int64
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s (generation %d)", e.Kind, e.Path, e.Generation)
	}
	return fmt.Sprintf("%v: %s (generation %d): %v", e.Kind, e.Path, e.Generation, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func unreadable(h Handle, err error) error {
	return &Error{Kind: ErrSnapshotUnreadable, Path: h.Path, Generation: h.Generation, Err: err}
}
