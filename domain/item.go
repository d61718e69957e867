package domain

import (
	"fmt"
	"strings"
	"time"
)

// ItemKind identifies which sibling collection an item belongs to.
type ItemKind string

const (
	KindSection ItemKind = "section"
	KindTask    ItemKind = "task"
	KindSubtask ItemKind = "subtask"
)

// Task statuses.
const (
	StatusOpen = "open"
	StatusDone = "done"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	switch k {
	case KindSection, KindTask, KindSubtask:
		return true
	}
	return false
}

// ParentKind returns the kind of the entity owning a group of k items. Sections
// are owned by projects, which are not items, so it returns "project".
func (k ItemKind) ParentKind() string {
	switch k {
	case KindTask:
		return string(KindSection)
	case KindSubtask:
		return string(KindTask)
	default:
		return "project"
	}
}

// ChildKind returns the kind of the items grouped under an item of kind k.
func (k ItemKind) ChildKind() (ItemKind, bool) {
	switch k {
	case KindSection:
		return KindTask, true
	case KindTask:
		return KindSubtask, true
	}
	return "", false
}

// GroupKey identifies a sibling group: all items of one kind sharing a parent.
type GroupKey struct {
	Kind     ItemKind `json:"kind"`
	ParentID string   `json:"parentId"`
}

func (g GroupKey) String() string {
	return string(g.Kind) + ":" + g.ParentID
}

// IsZero reports whether g is unset.
func (g GroupKey) IsZero() bool {
	return g.Kind == "" && g.ParentID == ""
}

// Validate checks that g names a real group.
func (g GroupKey) Validate() error {
	if !g.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, g.Kind)
	}
	if strings.TrimSpace(g.ParentID) == "" {
		return fmt.Errorf("%w: missing parent id", ErrInvalidItem)
	}
	return nil
}

// ParseGroupKey parses the "{kind}:{parentID}" form produced by GroupKey.String.
func ParseGroupKey(s string) (GroupKey, error) {
	kind, parent, ok := strings.Cut(s, ":")
	if !ok {
		return GroupKey{}, fmt.Errorf("%w: bad group key %q", ErrInvalidItem, s)
	}
	g := GroupKey{Kind: ItemKind(kind), ParentID: parent}
	if err := g.Validate(); err != nil {
		return GroupKey{}, err
	}
	return g, nil
}

// Item is a section, task or subtask with its position inside its group.
type Item struct {
	ID         string    `json:"id"`
	Kind       ItemKind  `json:"kind"`
	ParentID   string    `json:"parentId"`
	ProjectID  string    `json:"projectId"`
	Position   int       `json:"position"`
	Title      string    `json:"title"`
	Notes      string    `json:"notes,omitempty"`
	Status     string    `json:"status"`
	AssigneeID string    `json:"assigneeId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Group returns the sibling group the item currently belongs to.
func (it Item) Group() GroupKey {
	return GroupKey{Kind: it.Kind, ParentID: it.ParentID}
}

// ChildGroup returns the group holding the item's direct children.
func (it Item) ChildGroup() (GroupKey, bool) {
	child, ok := it.Kind.ChildKind()
	if !ok {
		return GroupKey{}, false
	}
	return GroupKey{Kind: child, ParentID: it.ID}, true
}

// NewItem carries the client supplied payload of an insert.
type NewItem struct {
	Title      string `json:"title"`
	Notes      string `json:"notes"`
	Status     string `json:"status"`
	AssigneeID string `json:"assigneeId"`
}

func (n NewItem) validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidItem)
	}
	if n.Status != "" && n.Status != StatusOpen && n.Status != StatusDone {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, n.Status)
	}
	return nil
}

// ItemPatch updates payload fields. Nil fields are left untouched.
type ItemPatch struct {
	Title      *string `json:"title"`
	Notes      *string `json:"notes"`
	Status     *string `json:"status"`
	AssigneeID *string `json:"assigneeId"`
}

func (p ItemPatch) empty() bool {
	return p.Title == nil && p.Notes == nil && p.Status == nil && p.AssigneeID == nil
}

func (p ItemPatch) apply(it *Item) error {
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return fmt.Errorf("%w: title is required", ErrInvalidItem)
		}
		it.Title = *p.Title
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.Status != nil {
		if *p.Status != StatusOpen && *p.Status != StatusDone {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidItem, *p.Status)
		}
		it.Status = *p.Status
	}
	if p.AssigneeID != nil {
		it.AssigneeID = *p.AssigneeID
	}
	return nil
}

// Project owns sections and is the scope consulted for authorization.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	Members   []string  `json:"members,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Group resolves a GroupKey to the project it lives in.
type Group struct {
	Key       GroupKey
	ProjectID string
	// Parent is the owning item; zero for section groups, whose parent is a project.
	Parent Item
}

// ParentGroup returns the group the parent item sits in. Section groups hang
// off a project and have none.
func (g Group) ParentGroup() (GroupKey, bool) {
	if g.Key.Kind == KindSection || g.Parent.ID == "" {
		return GroupKey{}, false
	}
	return g.Parent.Group(), true
}
