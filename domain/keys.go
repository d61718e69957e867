package domain

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	itemKeyPrefix    = "item:"
	projectKeyPrefix = "project:"
	boardKeyPrefix   = "board:"
)

// ListFilter narrows a collection read. The zero value lists everything.
type ListFilter struct {
	Status string
	Limit  int
	Offset int
}

func (f ListFilter) normalize() ListFilter {
	f.Status = strings.ToLower(strings.TrimSpace(f.Status))
	if f.Limit < 0 {
		f.Limit = 0
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Fingerprint hashes the normalized filter so that equivalent filters share a cache key.
func (f ListFilter) Fingerprint() string {
	f = f.normalize()
	var sb strings.Builder
	sb.WriteString("status=")
	sb.WriteString(f.Status)
	sb.WriteString("&limit=")
	sb.WriteString(strconv.Itoa(f.Limit))
	sb.WriteString("&offset=")
	sb.WriteString(strconv.Itoa(f.Offset))
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}

func (f ListFilter) apply(items []Item) []Item {
	f = f.normalize()
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		out = append(out, it)
	}
	if f.Offset >= len(out) {
		return []Item{}
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out
}

// GroupPrefix is the prefix shared by every cached view of a group.
func GroupPrefix(key GroupKey) string {
	return key.String() + ":"
}

// GroupViewKey is the cache key of one filtered view of a group.
func GroupViewKey(key GroupKey, f ListFilter) string {
	return GroupPrefix(key) + f.Fingerprint()
}

// ItemKey is the single entity cache key of an item.
func ItemKey(id string) string { return itemKeyPrefix + id }

// ProjectKey is the single entity cache key of a project.
func ProjectKey(id string) string { return projectKeyPrefix + id }

// BoardPrefix is the prefix shared by every cached board view of a project.
func BoardPrefix(projectID string) string { return boardKeyPrefix + projectID + ":" }

// BoardViewKey is the cache key of one filtered board view.
func BoardViewKey(projectID string, f ListFilter) string {
	return BoardPrefix(projectID) + f.Fingerprint()
}

// ParentKey is the summary key of the entity owning a group: the project for
// sections, the parent item otherwise.
func ParentKey(key GroupKey) string {
	if key.Kind == KindSection {
		return ProjectKey(key.ParentID)
	}
	return ItemKey(key.ParentID)
}
