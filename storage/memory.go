package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"prism-board/domain"
)

// MemoryStore is an in-process OrderedStore. Groups are serialized with one
// mutex per group key; a failed reconciliation is undone from an undo log.
type MemoryStore struct {
	locks sync.Map // group key -> *sync.Mutex

	mu       sync.RWMutex
	items    map[string]domain.Item
	projects map[string]domain.Project
	versions map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]domain.Item),
		projects: make(map[string]domain.Project),
		versions: make(map[string]int64),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) groupLock(key string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return domain.Item{}, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	return it, nil
}

func (s *MemoryStore) ListGroup(_ context.Context, key domain.GroupKey) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groupLocked(key), nil
}

func (s *MemoryStore) groupLocked(key domain.GroupKey) []domain.Item {
	out := []domain.Item{}
	for _, it := range s.items {
		if it.Kind == key.Kind && it.ParentID == key.ParentID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

var kindOrder = map[domain.ItemKind]int{domain.KindSection: 0, domain.KindTask: 1, domain.KindSubtask: 2}

func sortItems(items []domain.Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Kind != b.Kind {
			return kindOrder[a.Kind] < kindOrder[b.Kind]
		}
		if a.ParentID != b.ParentID {
			return a.ParentID < b.ParentID
		}
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
}

func (s *MemoryStore) ListProject(_ context.Context, projectID string) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.projects[projectID]; !ok {
		return nil, fmt.Errorf("%w: project %s", domain.ErrNotFound, projectID)
	}
	out := []domain.Item{}
	for _, it := range s.items {
		if it.ProjectID == projectID {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) ResolveGroup(_ context.Context, key domain.GroupKey) (domain.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(key)
}

func (s *MemoryStore) resolveLocked(key domain.GroupKey) (domain.Group, error) {
	if err := key.Validate(); err != nil {
		return domain.Group{}, err
	}
	if key.Kind == domain.KindSection {
		if _, ok := s.projects[key.ParentID]; !ok {
			return domain.Group{}, fmt.Errorf("%w: project %s", domain.ErrNotFound, key.ParentID)
		}
		return domain.Group{Key: key, ProjectID: key.ParentID}, nil
	}
	parent, ok := s.items[key.ParentID]
	if !ok || string(parent.Kind) != key.Kind.ParentKind() {
		return domain.Group{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, key.Kind.ParentKind(), key.ParentID)
	}
	return domain.Group{Key: key, ProjectID: parent.ProjectID, Parent: parent}, nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
	}
	p.Members = append([]string(nil), p.Members...)
	return p, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, p domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; ok {
		return fmt.Errorf("%w: project %s already exists", domain.ErrInvalidItem, p.ID)
	}
	p.Members = append([]string(nil), p.Members...)
	s.projects[p.ID] = p
	return nil
}

func (s *MemoryStore) AddMember(_ context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: project %s", domain.ErrNotFound, projectID)
	}
	for _, m := range p.Members {
		if m == userID {
			return nil
		}
	}
	p.Members = append(append([]string(nil), p.Members...), userID)
	s.projects[projectID] = p
	return nil
}

// CanAccess grants access to the owner and members of a project.
func (s *MemoryStore) CanAccess(_ context.Context, projectID, actorID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return false, nil
	}
	if p.OwnerID == actorID {
		return true, nil
	}
	for _, m := range p.Members {
		if m == actorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context, keys []domain.GroupKey, fn func(tx domain.GroupTx) error) error {
	for _, k := range lockOrder(keys) {
		l := s.groupLock(k)
		l.Lock()
		defer l.Unlock()
	}
	tx := &memoryTx{s: s, items: make(map[string]*domain.Item), versions: make(map[string]int64)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// lockOrder returns the distinct group keys sorted so that every
// reconciliation acquires locks in the same order.
func lockOrder(keys []domain.GroupKey) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s := k.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// memoryTx applies writes immediately and remembers the previous value of
// everything it touched.
type memoryTx struct {
	s        *MemoryStore
	items    map[string]*domain.Item // nil value: item did not exist
	versions map[string]int64
}

func (tx *memoryTx) remember(id string) {
	if _, ok := tx.items[id]; ok {
		return
	}
	if it, ok := tx.s.items[id]; ok {
		prev := it
		tx.items[id] = &prev
		return
	}
	tx.items[id] = nil
}

func (tx *memoryTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for id, prev := range tx.items {
		if prev == nil {
			delete(tx.s.items, id)
			continue
		}
		tx.s.items[id] = *prev
	}
	for k, v := range tx.versions {
		tx.s.versions[k] = v
	}
}

func (tx *memoryTx) Item(ctx context.Context, id string) (domain.Item, error) {
	return tx.s.GetItem(ctx, id)
}

func (tx *memoryTx) ResolveGroup(ctx context.Context, key domain.GroupKey) (domain.Group, error) {
	return tx.s.ResolveGroup(ctx, key)
}

func (tx *memoryTx) Placements(_ context.Context, key domain.GroupKey) ([]domain.Placement, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	items := tx.s.groupLocked(key)
	out := make([]domain.Placement, 0, len(items))
	for _, it := range items {
		out = append(out, domain.Placement{ID: it.ID, ParentID: it.ParentID, Position: it.Position})
	}
	return out, nil
}

func (tx *memoryTx) Place(_ context.Context, writes []domain.Placement) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, w := range writes {
		it, ok := tx.s.items[w.ID]
		if !ok {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, w.ID)
		}
		tx.remember(w.ID)
		it.ParentID = w.ParentID
		it.Position = w.Position
		tx.s.items[w.ID] = it
	}
	return nil
}

func (tx *memoryTx) Insert(_ context.Context, it domain.Item) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if _, ok := tx.s.items[it.ID]; ok {
		return fmt.Errorf("%w: item %s already exists", domain.ErrInvalidItem, it.ID)
	}
	if _, err := tx.s.resolveLocked(it.Group()); err != nil {
		return err
	}
	for _, other := range tx.s.items {
		if other.Kind == it.Kind && other.ParentID == it.ParentID && other.Position == it.Position {
			return fmt.Errorf("%w: slot %d of %s is taken", domain.ErrStoreConflict, it.Position, it.Group())
		}
	}
	tx.remember(it.ID)
	tx.s.items[it.ID] = it
	return nil
}

func (tx *memoryTx) Update(_ context.Context, it domain.Item) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	cur, ok := tx.s.items[it.ID]
	if !ok {
		return fmt.Errorf("%w: item %s", domain.ErrNotFound, it.ID)
	}
	tx.remember(it.ID)
	cur.Title = it.Title
	cur.Notes = it.Notes
	cur.Status = it.Status
	cur.AssigneeID = it.AssigneeID
	cur.UpdatedAt = it.UpdatedAt
	tx.s.items[it.ID] = cur
	return nil
}

func (tx *memoryTx) SetProject(_ context.Context, id, projectID string) ([]domain.Item, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	ids := tx.s.subtreeLocked(id)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	out := make([]domain.Item, 0, len(ids))
	for _, sid := range ids {
		tx.remember(sid)
		it := tx.s.items[sid]
		it.ProjectID = projectID
		tx.s.items[sid] = it
		out = append(out, it)
	}
	return out, nil
}

func (tx *memoryTx) Delete(_ context.Context, id string) ([]domain.Item, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	ids := tx.s.subtreeLocked(id)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	out := make([]domain.Item, 0, len(ids))
	for _, sid := range ids {
		tx.remember(sid)
		out = append(out, tx.s.items[sid])
		delete(tx.s.items, sid)
	}
	return out, nil
}

// subtreeLocked returns id followed by all of its descendants, breadth first.
func (s *MemoryStore) subtreeLocked(id string) []string {
	if _, ok := s.items[id]; !ok {
		return nil
	}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		var children []domain.Item
		for _, it := range s.items {
			if it.ParentID == out[i] && it.Kind != domain.KindSection {
				children = append(children, it)
			}
		}
		sortItems(children)
		for _, c := range children {
			out = append(out, c.ID)
		}
	}
	return out
}

func (tx *memoryTx) BumpVersion(_ context.Context, key domain.GroupKey) (int64, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	k := key.String()
	if _, ok := tx.versions[k]; !ok {
		tx.versions[k] = tx.s.versions[k]
	}
	tx.s.versions[k]++
	return tx.s.versions[k], nil
}

// Version returns the current version of a group.
func (s *MemoryStore) Version(key domain.GroupKey) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[key.String()]
}

var _ domain.OrderedStore = (*MemoryStore)(nil)
var _ domain.Authorizer = (*MemoryStore)(nil)
