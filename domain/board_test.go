package domain_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-board/domain"
	"prism-board/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, room domain.Room, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) byRoom(room domain.Room) []domain.ChangeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ChangeEvent
	for _, ev := range p.events {
		if ev.Room == room {
			out = append(out, ev)
		}
	}
	return out
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []domain.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note domain.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

type fixture struct {
	board    *domain.Board
	store    *storage.MemoryStore
	pub      *recordingPublisher
	notifier *recordingNotifier
	cache    domain.Cache
	mr       *miniredis.Miniredis
	hook     *test.Hook
	project  domain.Project
}

func newFixture(t *testing.T, opts ...domain.Option) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(log.DebugLevel)
	f := &fixture{
		store:    storage.NewMemoryStore(),
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
		cache:    storage.NewRedisCache(client, "", time.Second),
		mr:       mr,
		hook:     hook,
	}
	all := append([]domain.Option{
		domain.WithCache(f.cache),
		domain.WithPublisher(f.pub),
		domain.WithNotifier(f.notifier),
	}, opts...)
	f.board = domain.NewBoard(f.store, logger, all...)
	p, err := f.board.CreateProject(context.Background(), "alice", "Launch")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	f.project = p
	return f
}

func (f *fixture) insert(t *testing.T, key domain.GroupKey, title string, pos *int) domain.Item {
	t.Helper()
	it, err := f.board.Insert(context.Background(), "alice", key, domain.NewItem{Title: title}, pos)
	if err != nil {
		t.Fatalf("insert %s: %v", title, err)
	}
	return it
}

func (f *fixture) titles(t *testing.T, key domain.GroupKey) []string {
	t.Helper()
	items, err := f.store.ListGroup(context.Background(), key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	out := make([]string, len(items))
	for i, it := range items {
		if it.Position != i {
			t.Fatalf("%s at %d, want %d", it.Title, it.Position, i)
		}
		out[i] = it.Title
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intp(v int) *int { return &v }

func TestBoardScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	a := f.insert(t, key, "A", nil)
	f.insert(t, key, "B", nil)
	c := f.insert(t, key, "C", nil)

	moved, err := f.board.Move(ctx, "alice", c.ID, domain.GroupKey{}, intp(0))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.Position != 0 {
		t.Fatalf("moved position = %d", moved.Position)
	}
	if got := f.titles(t, key); !equal(got, []string{"C", "A", "B"}) {
		t.Fatalf("after move: %v", got)
	}

	f.insert(t, key, "D", intp(1))
	if got := f.titles(t, key); !equal(got, []string{"C", "D", "A", "B"}) {
		t.Fatalf("after insert: %v", got)
	}

	if err := f.board.Remove(ctx, "alice", a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := f.titles(t, key); !equal(got, []string{"C", "D", "B"}) {
		t.Fatalf("after remove: %v", got)
	}
}

func TestBoardUnauthorizedLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	a := f.insert(t, key, "A", nil)
	f.insert(t, key, "B", nil)
	before := len(f.pub.events)

	if _, err := f.board.Insert(ctx, "mallory", key, domain.NewItem{Title: "X"}, nil); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized insert, got %v", err)
	}
	if _, err := f.board.Move(ctx, "mallory", a.ID, domain.GroupKey{}, intp(1)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized move, got %v", err)
	}
	if err := f.board.Remove(ctx, "mallory", a.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized remove, got %v", err)
	}
	if got := f.titles(t, key); !equal(got, []string{"A", "B"}) {
		t.Fatalf("state changed: %v", got)
	}
	if len(f.pub.events) != before {
		t.Fatal("unauthorized mutations must not publish")
	}
}

func TestBoardNoOpMovePublishesNothing(t *testing.T) {
	f := newFixture(t)
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	f.insert(t, key, "A", nil)
	b := f.insert(t, key, "B", nil)
	before := len(f.pub.events)

	got, err := f.board.Move(context.Background(), "alice", b.ID, key, intp(1))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if got.Position != 1 || len(f.pub.events) != before {
		t.Fatalf("no-op move changed state: %+v", got)
	}
	if f.store.Version(key) != 2 {
		t.Fatalf("no-op move bumped the group version to %d", f.store.Version(key))
	}
}

func TestBoardCrossGroupMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secKey := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	todo := f.insert(t, secKey, "Todo", nil)
	done := f.insert(t, secKey, "Done", nil)
	todoKey := domain.GroupKey{Kind: domain.KindTask, ParentID: todo.ID}
	doneKey := domain.GroupKey{Kind: domain.KindTask, ParentID: done.ID}
	f.insert(t, todoKey, "T1", nil)
	t2 := f.insert(t, todoKey, "T2", nil)
	f.insert(t, todoKey, "T3", nil)
	f.insert(t, doneKey, "D1", nil)

	moved, err := f.board.Move(ctx, "alice", t2.ID, domain.GroupKey{ParentID: done.ID}, intp(0))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.ParentID != done.ID || moved.Position != 0 {
		t.Fatalf("unexpected moved item: %+v", moved)
	}
	if got := f.titles(t, todoKey); !equal(got, []string{"T1", "T3"}) {
		t.Fatalf("source: %v", got)
	}
	if got := f.titles(t, doneKey); !equal(got, []string{"T2", "D1"}) {
		t.Fatalf("dest: %v", got)
	}

	events := f.pub.byRoom(domain.ProjectRoom(f.project.ID))
	last := events[len(events)-1]
	if last.Type != "task-moved" || last.Move == nil {
		t.Fatalf("unexpected event: %+v", last)
	}
	if last.Move.SourceGroupKey != todoKey.String() || last.Move.DestGroupKey != doneKey.String() || last.Move.NewPosition != 0 {
		t.Fatalf("unexpected move info: %+v", last.Move)
	}
	if len(last.Versions) != 2 {
		t.Fatalf("expected versions for both groups, got %+v", last.Versions)
	}
}

func TestBoardMoveRejectsKindMismatch(t *testing.T) {
	f := newFixture(t)
	secKey := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	sec := f.insert(t, secKey, "Todo", nil)
	task := f.insert(t, domain.GroupKey{Kind: domain.KindTask, ParentID: sec.ID}, "T1", nil)

	_, err := f.board.Move(context.Background(), "alice", task.ID, domain.GroupKey{Kind: domain.KindSubtask, ParentID: task.ID}, nil)
	if !errors.Is(err, domain.ErrInvalidMove) {
		t.Fatalf("expected invalid move, got %v", err)
	}
}

func TestBoardCrossProjectMovePublishesToBothRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other, err := f.board.CreateProject(ctx, "alice", "Other")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	src := f.insert(t, domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}, "Todo", nil)
	dst := f.insert(t, domain.GroupKey{Kind: domain.KindSection, ParentID: other.ID}, "Inbox", nil)
	task := f.insert(t, domain.GroupKey{Kind: domain.KindTask, ParentID: src.ID}, "T1", nil)
	sub := f.insert(t, domain.GroupKey{Kind: domain.KindSubtask, ParentID: task.ID}, "S1", nil)

	if _, err := f.board.Move(ctx, "alice", task.ID, domain.GroupKey{ParentID: dst.ID}, nil); err != nil {
		t.Fatalf("move: %v", err)
	}
	got, err := f.store.GetItem(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if got.ProjectID != other.ID {
		t.Fatalf("subtask still in project %s", got.ProjectID)
	}
	if len(f.pub.byRoom(domain.ProjectRoom(other.ID))) == 0 {
		t.Fatal("destination project room received nothing")
	}
}

func TestBoardReadNeverServesInvalidatedValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	f.insert(t, key, "A", nil)
	b := f.insert(t, key, "B", nil)

	view, err := f.board.List(ctx, "alice", key, domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(view.Items) != 2 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if !f.mr.Exists(domain.GroupViewKey(key, domain.ListFilter{})) {
		t.Fatal("list was not cached")
	}
	if _, err := f.board.Get(ctx, "alice", b.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := f.board.ProjectBoard(ctx, "alice", f.project.ID, domain.ListFilter{}); err != nil {
		t.Fatalf("board: %v", err)
	}

	if _, err := f.board.Move(ctx, "alice", b.ID, key, intp(0)); err != nil {
		t.Fatalf("move: %v", err)
	}
	view, err = f.board.List(ctx, "alice", key, domain.ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if view.Items[0].Title != "B" {
		t.Fatalf("stale list served: %+v", view.Items)
	}
	it, err := f.board.Get(ctx, "alice", b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if it.Position != 0 {
		t.Fatalf("stale item served: %+v", it)
	}
	bv, err := f.board.ProjectBoard(ctx, "alice", f.project.ID, domain.ListFilter{})
	if err != nil {
		t.Fatalf("board: %v", err)
	}
	if bv.Sections[0].Title != "B" {
		t.Fatalf("stale board served: %+v", bv.Sections)
	}
}

// slowItemReads holds the next GetItem, after it has read the store, until
// release is closed.
type slowItemReads struct {
	*storage.MemoryStore
	armed   atomic.Bool
	loaded  chan struct{}
	release chan struct{}
}

func (s *slowItemReads) GetItem(ctx context.Context, id string) (domain.Item, error) {
	it, err := s.MemoryStore.GetItem(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.loaded)
		<-s.release
	}
	return it, err
}

func TestBoardReadStartedBeforeUpdateIsNotCached(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	store := &slowItemReads{MemoryStore: storage.NewMemoryStore(), loaded: make(chan struct{}), release: make(chan struct{})}
	board := domain.NewBoard(store, logger, domain.WithCache(storage.NewRedisCache(client, "", time.Second)))
	p, err := board.CreateProject(ctx, "alice", "Launch")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	it, err := board.Insert(ctx, "alice", domain.GroupKey{Kind: domain.KindSection, ParentID: p.ID}, domain.NewItem{Title: "old"}, nil)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	store.armed.Store(true)
	first := make(chan error, 1)
	go func() {
		_, err := board.Get(ctx, "alice", it.ID)
		first <- err
	}()
	select {
	case <-store.loaded:
	case <-time.After(5 * time.Second):
		t.Fatal("first read never reached the store")
	}

	title := "new"
	if _, err := board.Update(ctx, "alice", it.ID, domain.ItemPatch{Title: &title}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := board.Get(ctx, "alice", it.ID)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Title != "new" {
		t.Fatalf("read issued after the update returned %q", got.Title)
	}

	close(store.release)
	if err := <-first; err != nil {
		t.Fatalf("first get: %v", err)
	}
	if raw, err := mr.Get(domain.ItemKey(it.ID)); err == nil && strings.Contains(raw, `"title":"old"`) {
		t.Fatalf("pre-update value was cached: %s", raw)
	}
	got, err = board.Get(ctx, "alice", it.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "new" {
		t.Fatalf("later read returned %q", got.Title)
	}
}

func TestBoardSurvivesCacheAndBroadcastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	f.mr.Close()
	f.pub.err = domain.ErrBroadcastUnavailable

	it, err := f.board.Insert(ctx, "alice", key, domain.NewItem{Title: "A"}, nil)
	if err != nil {
		t.Fatalf("insert must succeed without cache and broadcast: %v", err)
	}
	got, err := f.board.Get(ctx, "alice", it.ID)
	if err != nil || got.Title != "A" {
		t.Fatalf("read must fall back to the store: %+v %v", got, err)
	}

	var warned, failed bool
	for _, e := range f.hook.AllEntries() {
		if e.Level == log.WarnLevel {
			warned = true
		}
		if e.Level == log.ErrorLevel && e.Message == "publish failed" {
			failed = true
		}
	}
	if !warned || !failed {
		t.Fatalf("expected logged cache and publish failures, warned=%v failed=%v", warned, failed)
	}
}

type conflictOnce struct {
	*storage.MemoryStore
	calls int
}

func (c *conflictOnce) Reconcile(ctx context.Context, keys []domain.GroupKey, fn func(domain.GroupTx) error) error {
	c.calls++
	if c.calls == 1 {
		return domain.ErrStoreConflict
	}
	return c.MemoryStore.Reconcile(ctx, keys, fn)
}

type conflictAlways struct {
	*storage.MemoryStore
	calls int
}

func (c *conflictAlways) Reconcile(context.Context, []domain.GroupKey, func(domain.GroupTx) error) error {
	c.calls++
	return domain.ErrStoreConflict
}

func TestBoardRetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := &conflictOnce{MemoryStore: mem}
	logger, _ := test.NewNullLogger()
	b := domain.NewBoard(store, logger, domain.WithAuthorizer(mem))
	p, err := b.CreateProject(ctx, "alice", "Launch")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := b.Insert(ctx, "alice", domain.GroupKey{Kind: domain.KindSection, ParentID: p.ID}, domain.NewItem{Title: "A"}, nil); err != nil {
		t.Fatalf("insert after one conflict: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}

	always := &conflictAlways{MemoryStore: mem}
	b = domain.NewBoard(always, logger, domain.WithAuthorizer(mem))
	_, err = b.Insert(ctx, "alice", domain.GroupKey{Kind: domain.KindSection, ParentID: p.ID}, domain.NewItem{Title: "B"}, nil)
	if !errors.Is(err, domain.ErrStoreConflict) {
		t.Fatalf("expected conflict to surface, got %v", err)
	}
	if always.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", always.calls)
	}
}

func TestBoardAssignmentNotifies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.board.AddMember(ctx, "alice", f.project.ID, "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	sec := f.insert(t, domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}, "Todo", nil)
	task := f.insert(t, domain.GroupKey{Kind: domain.KindTask, ParentID: sec.ID}, "Write", nil)

	bob := "bob"
	if _, err := f.board.Update(ctx, "alice", task.ID, domain.ItemPatch{AssigneeID: &bob}); err != nil {
		t.Fatalf("update: %v", err)
	}
	f.board.Wait()

	events := f.pub.byRoom(domain.UserRoom("bob"))
	if len(events) != 1 || events[0].Type != "task-assigned" {
		t.Fatalf("unexpected user room events: %+v", events)
	}
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	if len(f.notifier.got) != 1 || f.notifier.got[0].UserID != "bob" {
		t.Fatalf("unexpected notifications: %+v", f.notifier.got)
	}
}

func TestBoardRemoveDeletesSubtreeAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secKey := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	sec := f.insert(t, secKey, "Todo", nil)
	task := f.insert(t, domain.GroupKey{Kind: domain.KindTask, ParentID: sec.ID}, "Write", nil)

	if err := f.board.Remove(ctx, "alice", sec.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := f.store.GetItem(ctx, task.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("task survived its section: %v", err)
	}
	events := f.pub.byRoom(domain.ProjectRoom(f.project.ID))
	last := events[len(events)-1]
	if last.Type != "section-deleted" || len(last.Removed) != 2 {
		t.Fatalf("unexpected event: %+v", last)
	}
}

func TestBoardRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	a := f.insert(t, key, "A", nil)
	b := f.insert(t, key, "B", nil)

	err := f.store.Reconcile(ctx, []domain.GroupKey{key}, func(tx domain.GroupTx) error {
		return tx.Place(ctx, []domain.Placement{
			{ID: a.ID, ParentID: key.ParentID, Position: 4},
			{ID: b.ID, ParentID: key.ParentID, Position: 9},
		})
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	writes, err := f.board.Repair(ctx, "alice", key)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if len(writes) != 2 {
		t.Fatalf("unexpected writes: %+v", writes)
	}
	if got := f.titles(t, key); !equal(got, []string{"A", "B"}) {
		t.Fatalf("after repair: %v", got)
	}
}

func TestBoardEventsCarryIncreasingVersions(t *testing.T) {
	f := newFixture(t)
	key := domain.GroupKey{Kind: domain.KindSection, ParentID: f.project.ID}
	f.insert(t, key, "A", nil)
	f.insert(t, key, "B", nil)
	f.insert(t, key, "C", nil)

	var last int64
	var lastTS int64
	for _, ev := range f.pub.byRoom(domain.ProjectRoom(f.project.ID)) {
		if len(ev.Versions) != 1 || ev.Versions[0].Version <= last {
			t.Fatalf("versions not increasing: %+v", ev.Versions)
		}
		if ev.Timestamp <= lastTS {
			t.Fatalf("timestamps not increasing")
		}
		last, lastTS = ev.Versions[0].Version, ev.Timestamp
	}
}
