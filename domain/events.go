package domain

import (
	"strings"
	"sync/atomic"
	"time"
)

// Room is a broadcast channel: one per project and one per user.
type Room string

const (
	projectRoomPrefix = "project:"
	userRoomPrefix    = "user:"
)

// ProjectRoom returns the room of everyone viewing a project.
func ProjectRoom(projectID string) Room { return Room(projectRoomPrefix + projectID) }

// UserRoom returns a user's personal notification room.
func UserRoom(userID string) Room { return Room(userRoomPrefix + userID) }

// ProjectID returns the project id of a project room.
func (r Room) ProjectID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), projectRoomPrefix)
	return id, ok && id != ""
}

// UserID returns the user id of a user room.
func (r Room) UserID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), userRoomPrefix)
	return id, ok && id != ""
}

// Valid reports whether r is a project or user room.
func (r Room) Valid() bool {
	if _, ok := r.ProjectID(); ok {
		return true
	}
	_, ok := r.UserID()
	return ok
}

// Action is the kind of change an event describes.
type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionMoved    Action = "moved"
	ActionDeleted  Action = "deleted"
	ActionAssigned Action = "assigned"
	ActionRepaired Action = "repaired"
)

// EventType names an event after the entity and action, e.g. "task-moved".
func EventType(kind ItemKind, action Action) string {
	return string(kind) + "-" + string(action)
}

// GroupVersion is the monotonic version a group reached after a mutation.
// Clients compare versions per group to detect dropped or reordered events.
type GroupVersion struct {
	Group   string `json:"group"`
	Version int64  `json:"version"`
}

// MoveInfo describes a completed move.
type MoveInfo struct {
	ItemID         string `json:"itemId"`
	SourceGroupKey string `json:"sourceGroupKey"`
	DestGroupKey   string `json:"destGroupKey"`
	NewPosition    int    `json:"newPosition"`
}

// ChangeEvent describes one completed mutation. It is transient and never persisted.
type ChangeEvent struct {
	Room       Room           `json:"room"`
	Type       string         `json:"type"`
	EntityType ItemKind       `json:"entityType"`
	Action     Action         `json:"action"`
	ItemID     string         `json:"itemId"`
	Item       *Item          `json:"item,omitempty"`
	Move       *MoveInfo      `json:"move,omitempty"`
	Positions  []Placement    `json:"positions,omitempty"`
	Removed    []string       `json:"removed,omitempty"`
	Versions   []GroupVersion `json:"versions,omitempty"`
	ActorID    string         `json:"actorId"`
	Timestamp  int64          `json:"timestamp"`
}

// Notification is handed to the Notifier for user facing notification types.
type Notification struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	ActorID   string `json:"actorId"`
	ProjectID string `json:"projectId"`
	ItemID    string `json:"itemId"`
	Title     string `json:"title"`
	Timestamp int64  `json:"timestamp"`
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing wall clock timestamp in nanoseconds.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
