package api

import (
	"context"

	"prism-board/domain"
)

// Board is the mutation and read surface the handlers drive.
type Board interface {
	Insert(ctx context.Context, actorID string, key domain.GroupKey, payload domain.NewItem, position *int) (domain.Item, error)
	Move(ctx context.Context, actorID, itemID string, dest domain.GroupKey, position *int) (domain.Item, error)
	Remove(ctx context.Context, actorID, itemID string) error
	Update(ctx context.Context, actorID, itemID string, patch domain.ItemPatch) (domain.Item, error)
	Repair(ctx context.Context, actorID string, key domain.GroupKey) ([]domain.Placement, error)
	CreateProject(ctx context.Context, actorID, name string) (domain.Project, error)
	AddMember(ctx context.Context, actorID, projectID, userID string) error

	Get(ctx context.Context, actorID, itemID string) (domain.Item, error)
	GetProject(ctx context.Context, actorID, projectID string) (domain.Project, error)
	List(ctx context.Context, actorID string, key domain.GroupKey, f domain.ListFilter) (domain.GroupView, error)
	ProjectBoard(ctx context.Context, actorID, projectID string, f domain.ListFilter) (domain.BoardView, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate inserts.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the insert fails.
	Remove(ctx context.Context, userID, key string) error
}

// Inbox lists a user's stored notifications.
type Inbox interface {
	List(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type insertRequest struct {
	Title      string `json:"title"`
	Notes      string `json:"notes"`
	Status     string `json:"status"`
	AssigneeID string `json:"assigneeId"`
	Position   *int   `json:"position"`
}

type moveRequest struct {
	Kind     domain.ItemKind `json:"kind"`
	ParentID string          `json:"parentId"`
	Position *int            `json:"position"`
}

type projectRequest struct {
	Name string `json:"name"`
}

type memberRequest struct {
	UserID string `json:"userId"`
}

type repairResponse struct {
	Group     string             `json:"group"`
	Positions []domain.Placement `json:"positions"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

type errorResponse struct {
	Error string `json:"error"`
}
