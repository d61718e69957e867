package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// GroupView is a cached, filtered view of one sibling group.
type GroupView struct {
	Group     GroupKey `json:"group"`
	ProjectID string   `json:"projectId"`
	Items     []Item   `json:"items"`
}

// TaskView is a task with its subtasks.
type TaskView struct {
	Item
	Subtasks []Item `json:"subtasks"`
}

// SectionView is a section with its tasks.
type SectionView struct {
	Item
	Tasks []TaskView `json:"tasks"`
}

// BoardView is the full ordered tree of a project.
type BoardView struct {
	Project  Project       `json:"project"`
	Sections []SectionView `json:"sections"`
}

// Get returns one item, served from cache when possible.
func (b *Board) Get(ctx context.Context, actorID, itemID string) (Item, error) {
	it, err := readThrough(ctx, b, ItemKey(itemID), func(ctx context.Context) (Item, error) {
		return b.store.GetItem(ctx, itemID)
	})
	if err != nil {
		return Item{}, err
	}
	if err := b.authorize(ctx, it.ProjectID, actorID); err != nil {
		return Item{}, err
	}
	return it, nil
}

// GetProject returns a project the actor can access.
func (b *Board) GetProject(ctx context.Context, actorID, projectID string) (Project, error) {
	p, err := readThrough(ctx, b, ProjectKey(projectID), func(ctx context.Context) (Project, error) {
		return b.store.GetProject(ctx, projectID)
	})
	if err != nil {
		return Project{}, err
	}
	if err := b.authorize(ctx, p.ID, actorID); err != nil {
		return Project{}, err
	}
	return p, nil
}

// List returns a filtered page of a group in position order.
func (b *Board) List(ctx context.Context, actorID string, key GroupKey, f ListFilter) (GroupView, error) {
	if err := key.Validate(); err != nil {
		return GroupView{}, err
	}
	view, err := readThrough(ctx, b, GroupViewKey(key, f), func(ctx context.Context) (GroupView, error) {
		g, err := b.store.ResolveGroup(ctx, key)
		if err != nil {
			return GroupView{}, err
		}
		items, err := b.store.ListGroup(ctx, key)
		if err != nil {
			return GroupView{}, err
		}
		return GroupView{Group: key, ProjectID: g.ProjectID, Items: f.apply(items)}, nil
	})
	if err != nil {
		return GroupView{}, err
	}
	if err := b.authorize(ctx, view.ProjectID, actorID); err != nil {
		return GroupView{}, err
	}
	return view, nil
}

// ProjectBoard returns every section, task and subtask of a project in order.
// The filter status applies to tasks and subtasks; limit and offset page the sections.
func (b *Board) ProjectBoard(ctx context.Context, actorID, projectID string, f ListFilter) (BoardView, error) {
	if err := b.authorize(ctx, projectID, actorID); err != nil {
		return BoardView{}, err
	}
	return readThrough(ctx, b, BoardViewKey(projectID, f), func(ctx context.Context) (BoardView, error) {
		p, err := b.store.GetProject(ctx, projectID)
		if err != nil {
			return BoardView{}, err
		}
		items, err := b.store.ListProject(ctx, projectID)
		if err != nil {
			return BoardView{}, err
		}
		return buildBoard(p, items, f), nil
	})
}

func buildBoard(p Project, items []Item, f ListFilter) BoardView {
	var sections, tasks, subtasks []Item
	for _, it := range items {
		switch it.Kind {
		case KindSection:
			sections = append(sections, it)
		case KindTask:
			tasks = append(tasks, it)
		case KindSubtask:
			subtasks = append(subtasks, it)
		}
	}
	status := ListFilter{Status: f.Status}
	byTask := make(map[string][]Item)
	for _, st := range status.apply(subtasks) {
		byTask[st.ParentID] = append(byTask[st.ParentID], st)
	}
	bySection := make(map[string][]TaskView)
	for _, t := range status.apply(tasks) {
		subs := byTask[t.ID]
		if subs == nil {
			subs = []Item{}
		}
		bySection[t.ParentID] = append(bySection[t.ParentID], TaskView{Item: t, Subtasks: subs})
	}
	page := ListFilter{Limit: f.Limit, Offset: f.Offset}
	view := BoardView{Project: p, Sections: []SectionView{}}
	for _, s := range page.apply(sections) {
		ts := bySection[s.ID]
		if ts == nil {
			ts = []TaskView{}
		}
		view.Sections = append(view.Sections, SectionView{Item: s, Tasks: ts})
	}
	return view
}

// readThrough serves key from the cache, falling back to load on a miss or a
// cache failure. Concurrent misses of the same key share one load, but only
// within one invalidation epoch: a read issued after a mutation never joins a
// load that started before it.
func readThrough[T any](ctx context.Context, b *Board, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := cachedValue[T](ctx, b, key); ok {
		return v, nil
	}
	epoch := b.epoch.Load()
	res, err, _ := b.reads.Do(key+"@"+strconv.FormatUint(epoch, 10), func() (any, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		b.storeValue(ctx, key, v, epoch)
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected cached value for %s", key)
	}
	return v, nil
}

func cachedValue[T any](ctx context.Context, b *Board, key string) (T, bool) {
	var v T
	cctx, cancel := sideEffectContext(ctx, b.cacheTimeout)
	defer cancel()
	raw, err := b.cache.Get(cctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			b.log.WithFields(log.Fields{"key": key}).WithError(err).Warn("cache read failed")
		}
		return v, false
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		b.log.WithFields(log.Fields{"key": key}).WithError(err).Warn("discarding undecodable cache entry")
		return v, false
	}
	return v, true
}

// storeValue caches a value loaded during epoch. Values loaded across an
// invalidation are dropped, and one that lands just after it is deleted again.
func (b *Board) storeValue(ctx context.Context, key string, v any, epoch uint64) {
	if b.epoch.Load() != epoch {
		return
	}
	raw, err := sonic.Marshal(v)
	if err != nil {
		b.log.WithFields(log.Fields{"key": key}).WithError(err).Warn("cache encode failed")
		return
	}
	cctx, cancel := sideEffectContext(ctx, b.cacheTimeout)
	defer cancel()
	if err := b.cache.Set(cctx, key, raw, b.cacheTTL); err != nil {
		b.log.WithFields(log.Fields{"key": key}).WithError(err).Warn("cache write failed")
		return
	}
	if b.epoch.Load() != epoch {
		if err := b.cache.Delete(cctx, key); err != nil {
			b.log.WithFields(log.Fields{"key": key}).WithError(err).Warn("dropping stale cache entry failed")
		}
	}
}
