package domain

import (
	"context"
	"time"
)

// OrderedStore is the durable record of projects, items and their positions.
type OrderedStore interface {
	GetItem(ctx context.Context, id string) (Item, error)
	// ListGroup returns the members of a group ordered by position.
	ListGroup(ctx context.Context, key GroupKey) ([]Item, error)
	// ListProject returns every item of a project ordered by kind, parent and position.
	ListProject(ctx context.Context, projectID string) ([]Item, error)
	ResolveGroup(ctx context.Context, key GroupKey) (Group, error)

	GetProject(ctx context.Context, id string) (Project, error)
	CreateProject(ctx context.Context, p Project) error
	AddMember(ctx context.Context, projectID, userID string) error

	// Reconcile runs fn as one atomic unit. Every group in keys is locked
	// against concurrent reconciliation for the duration of fn; the unit is
	// rolled back entirely when fn returns an error.
	Reconcile(ctx context.Context, keys []GroupKey, fn func(tx GroupTx) error) error
}

// GroupTx is the view of the store inside a reconciliation.
type GroupTx interface {
	Item(ctx context.Context, id string) (Item, error)
	ResolveGroup(ctx context.Context, key GroupKey) (Group, error)
	Placements(ctx context.Context, key GroupKey) ([]Placement, error)
	// Place writes final parents and positions. Transient duplicates between
	// writes must be tolerated.
	Place(ctx context.Context, writes []Placement) error
	// Insert stores a new item; its slot must already be free.
	Insert(ctx context.Context, it Item) error
	// Update writes payload fields of an existing item.
	Update(ctx context.Context, it Item) error
	// SetProject rewrites the project of an item and its whole subtree,
	// returning the updated subtree.
	SetProject(ctx context.Context, id, projectID string) ([]Item, error)
	// Delete removes an item and its subtree, returning every removed item.
	Delete(ctx context.Context, id string) ([]Item, error)
	// BumpVersion increments and returns the version of a group.
	BumpVersion(ctx context.Context, key GroupKey) (int64, error)
}

// Authorizer is the external capability check run before any mutation.
type Authorizer interface {
	CanAccess(ctx context.Context, ownerID, actorID string) (bool, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, ownerID, actorID string) (bool, error)

func (f AuthorizerFunc) CanAccess(ctx context.Context, ownerID, actorID string) (bool, error) {
	return f(ctx, ownerID, actorID)
}

// Cache is an advisory key/value cache. Implementations return ErrCacheMiss on
// miss and wrap backend failures with ErrCacheUnavailable.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)
}

// Publisher delivers change events to a room.
type Publisher interface {
	Publish(ctx context.Context, room Room, ev ChangeEvent) error
}

// Notifier hands user facing notifications to an out of process sender.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Room, ChangeEvent) error { return nil }

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) error { return nil }
