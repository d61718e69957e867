package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL       = 60 * time.Second
	defaultCacheTimeout   = 250 * time.Millisecond
	defaultPublishTimeout = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
)

// Board orchestrates every ordering affecting write: authorize, reconcile and
// persist, invalidate, publish. It also serves cached reads.
type Board struct {
	store    OrderedStore
	auth     Authorizer
	cache    Cache
	pub      Publisher
	notifier Notifier
	log      *log.Logger

	cacheTTL       time.Duration
	cacheTimeout   time.Duration
	publishTimeout time.Duration
	notifyTimeout  time.Duration

	now   func() time.Time
	newID func() string

	reads   singleflight.Group
	// epoch advances on every invalidation; loads that straddle it are not cached.
	epoch   atomic.Uint64
	pending sync.WaitGroup
}

// Option configures a Board.
type Option func(*Board)

// WithAuthorizer overrides the capability check. By default the store is used
// when it implements Authorizer; otherwise every mutation is denied.
func WithAuthorizer(a Authorizer) Option {
	return func(b *Board) {
		if a != nil {
			b.auth = a
		}
	}
}

// WithCache sets the read-through cache. Invalidation runs against it after every mutation.
func WithCache(c Cache) Option {
	return func(b *Board) {
		if c != nil {
			b.cache = c
		}
	}
}

// WithPublisher sets where change events are delivered.
func WithPublisher(p Publisher) Option {
	return func(b *Board) {
		if p != nil {
			b.pub = p
		}
	}
}

// WithNotifier sets the sender for assignment notifications.
func WithNotifier(n Notifier) Option {
	return func(b *Board) {
		if n != nil {
			b.notifier = n
		}
	}
}

// WithCacheTTL sets the expiry backstop for cached reads.
func WithCacheTTL(ttl time.Duration) Option {
	return func(b *Board) {
		if ttl > 0 {
			b.cacheTTL = ttl
		}
	}
}

// WithTimeouts bounds cache and publish calls. Zero values keep the defaults.
func WithTimeouts(cache, publish time.Duration) Option {
	return func(b *Board) {
		if cache > 0 {
			b.cacheTimeout = cache
		}
		if publish > 0 {
			b.publishTimeout = publish
		}
	}
}

// WithNotifyTimeout bounds each background Notifier call.
func WithNotifyTimeout(d time.Duration) Option {
	return func(b *Board) {
		if d > 0 {
			b.notifyTimeout = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Board) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(gen func() string) Option {
	return func(b *Board) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// NewBoard builds a Board over store. Cache, publisher and notifier default to
// no-op implementations.
func NewBoard(store OrderedStore, logger *log.Logger, opts ...Option) *Board {
	if logger == nil {
		logger = log.StandardLogger()
	}
	b := &Board{
		store:          store,
		cache:          DisabledCache{},
		pub:            noopPublisher{},
		notifier:       noopNotifier{},
		log:            logger,
		cacheTTL:       defaultCacheTTL,
		cacheTimeout:   defaultCacheTimeout,
		publishTimeout: defaultPublishTimeout,
		notifyTimeout:  defaultNotifyTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          func() string { return uuid.NewString() },
	}
	if a, ok := store.(Authorizer); ok {
		b.auth = a
	} else {
		b.auth = AuthorizerFunc(func(context.Context, string, string) (bool, error) { return false, nil })
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Wait blocks until in-flight notifications are handed off.
func (b *Board) Wait() {
	b.pending.Wait()
}

func (b *Board) authorize(ctx context.Context, projectID, actorID string) error {
	if actorID == "" {
		return ErrUnauthorized
	}
	ok, err := b.auth.CanAccess(ctx, projectID, actorID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// retry runs attempt and repeats it once when a concurrent reconciliation was detected.
func (b *Board) retry(op string, attempt func() error) error {
	err := attempt()
	if errors.Is(err, ErrStoreConflict) {
		b.log.WithFields(log.Fields{"op": op}).WithError(err).Warn("reconciliation conflict, retrying")
		err = attempt()
	}
	return err
}

// sideEffectContext detaches side effects from request cancellation.
func sideEffectContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

type invalidation struct {
	keys     []string
	prefixes []string
}

func (inv *invalidation) key(keys ...string) {
	inv.keys = append(inv.keys, keys...)
}

func (inv *invalidation) prefix(prefixes ...string) {
	for _, p := range prefixes {
		dup := false
		for _, have := range inv.prefixes {
			if have == p {
				dup = true
				break
			}
		}
		if !dup {
			inv.prefixes = append(inv.prefixes, p)
		}
	}
}

// group marks every cached view of the group, its parent summary and the
// board of the project as stale.
func (inv *invalidation) group(key GroupKey, projectID string) {
	inv.prefix(GroupPrefix(key), BoardPrefix(projectID))
	inv.key(ParentKey(key))
}

// placed marks the single keys of shifted items as stale.
func (inv *invalidation) placed(writes []Placement) {
	for _, w := range writes {
		inv.key(ItemKey(w.ID))
	}
}

// subtree marks the single keys and child views of items as stale.
func (inv *invalidation) subtree(items []Item) {
	for _, it := range items {
		inv.key(ItemKey(it.ID))
		if child, ok := it.Kind.ChildKind(); ok {
			inv.prefix(GroupPrefix(GroupKey{Kind: child, ParentID: it.ID}))
		}
	}
}

func (b *Board) invalidate(ctx context.Context, inv invalidation) {
	b.epoch.Add(1)
	ctx, cancel := sideEffectContext(ctx, b.cacheTimeout)
	defer cancel()
	if len(inv.keys) > 0 {
		if err := b.cache.Delete(ctx, inv.keys...); err != nil {
			b.log.WithFields(log.Fields{"keys": inv.keys}).WithError(err).Warn("cache invalidation failed")
		}
	}
	for _, p := range inv.prefixes {
		n, err := b.cache.DeleteByPrefix(ctx, p)
		if err != nil {
			b.log.WithFields(log.Fields{"prefix": p}).WithError(err).Warn("cache prefix invalidation failed")
			continue
		}
		b.log.WithFields(log.Fields{"prefix": p, "deleted": n}).Debug("cache invalidated")
	}
}

func (b *Board) publish(ctx context.Context, events ...ChangeEvent) {
	ctx, cancel := sideEffectContext(ctx, b.publishTimeout)
	defer cancel()
	for _, ev := range events {
		if ev.Timestamp == 0 {
			ev.Timestamp = nextTimestamp()
		}
		if err := b.pub.Publish(ctx, ev.Room, ev); err != nil {
			b.log.WithFields(log.Fields{"room": ev.Room, "type": ev.Type}).WithError(err).Error("publish failed")
		}
	}
}

// assigned publishes a task-assigned event to the assignee's room and hands a
// notification to the Notifier in the background.
func (b *Board) assigned(ctx context.Context, actorID string, it Item) {
	if it.AssigneeID == "" || it.AssigneeID == actorID || it.Kind == KindSection {
		return
	}
	ts := nextTimestamp()
	item := it
	b.publish(ctx, ChangeEvent{
		Room:       UserRoom(it.AssigneeID),
		Type:       EventType(KindTask, ActionAssigned),
		EntityType: it.Kind,
		Action:     ActionAssigned,
		ItemID:     it.ID,
		Item:       &item,
		ActorID:    actorID,
		Timestamp:  ts,
	})
	n := Notification{
		Type:      EventType(KindTask, ActionAssigned),
		UserID:    it.AssigneeID,
		ActorID:   actorID,
		ProjectID: it.ProjectID,
		ItemID:    it.ID,
		Title:     it.Title,
		Timestamp: ts,
	}
	nctx, cancel := sideEffectContext(ctx, b.notifyTimeout)
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		defer cancel()
		if err := b.notifier.Notify(nctx, n); err != nil {
			b.log.WithFields(log.Fields{"user_id": n.UserID, "item_id": n.ItemID}).WithError(err).Warn("notification failed")
		}
	}()
}

// lockKeys returns the groups a reconciliation writing into groups must hold:
// the groups themselves and the groups their parent items sit in. Removing a
// parent locks that same group, so the two cannot interleave.
func lockKeys(groups ...Group) []GroupKey {
	keys := make([]GroupKey, 0, 2*len(groups))
	for _, g := range groups {
		keys = append(keys, g.Key)
		if pk, ok := g.ParentGroup(); ok {
			keys = append(keys, pk)
		}
	}
	return uniqueKeys(keys...)
}

// sameParentGroup reports a conflict when the parent of a group left the
// group that was locked for it.
func sameParentGroup(locked, cur Group) error {
	lk, lok := locked.ParentGroup()
	ck, cok := cur.ParentGroup()
	if lok != cok || lk != ck {
		return fmt.Errorf("%w: parent of %s moved", ErrStoreConflict, cur.Key)
	}
	return nil
}

func uniqueKeys(keys ...GroupKey) []GroupKey {
	out := make([]GroupKey, 0, len(keys))
	for _, k := range keys {
		dup := false
		for _, have := range out {
			if have == k {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}

// DisabledCache is the Cache used when no backend is configured: every read
// misses and every write is dropped.
type DisabledCache struct{}

func (DisabledCache) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }
func (DisabledCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (DisabledCache) Delete(context.Context, ...string) error { return nil }
func (DisabledCache) DeleteByPrefix(context.Context, string) (int, error) {
	return 0, nil
}
