package domain

import "errors"

var (
	// ErrUnauthorized is returned when the actor may not touch the target project.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound indicates a referenced item, group or project does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPosition is returned for positions that cannot be interpreted at all.
	// Out of range integers are clamped instead.
	ErrInvalidPosition = errors.New("invalid position")
	// ErrInvalidItem marks payload or group validation failures.
	ErrInvalidItem = errors.New("invalid item")
	// ErrInvalidMove is returned for moves into a group of another kind or under the item's own subtree.
	ErrInvalidMove = errors.New("invalid move")
	// ErrStoreConflict indicates that a concurrent reconciliation touched the same group.
	ErrStoreConflict = errors.New("store conflict")

	// ErrCacheMiss is returned by Cache.Get when no entry exists.
	ErrCacheMiss = errors.New("cache miss")
	// ErrCacheUnavailable wraps cache backend failures. Never surfaced to callers of Board.
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrBroadcastUnavailable wraps publish failures. Never surfaced to callers of Board.
	ErrBroadcastUnavailable = errors.New("broadcast unavailable")
)
