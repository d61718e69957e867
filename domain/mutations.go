package domain

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Insert creates an item in the group at position, or at the tail when
// position is nil. Out of range positions are clamped.
func (b *Board) Insert(ctx context.Context, actorID string, key GroupKey, payload NewItem, position *int) (Item, error) {
	if err := key.Validate(); err != nil {
		return Item{}, err
	}
	if err := payload.validate(); err != nil {
		return Item{}, err
	}
	g, err := b.store.ResolveGroup(ctx, key)
	if err != nil {
		return Item{}, err
	}
	if err := b.authorize(ctx, g.ProjectID, actorID); err != nil {
		return Item{}, err
	}

	id := b.newID()
	var (
		created  Item
		writes   []Placement
		versions []GroupVersion
	)
	err = b.retry("insert", func() error {
		locked, err := b.store.ResolveGroup(ctx, key)
		if err != nil {
			return err
		}
		return b.store.Reconcile(ctx, lockKeys(locked), func(tx GroupTx) error {
			g, err := tx.ResolveGroup(ctx, key)
			if err != nil {
				return err
			}
			if err := sameParentGroup(locked, g); err != nil {
				return err
			}
			pls, err := tx.Placements(ctx, key)
			if err != nil {
				return err
			}
			plan := PlanInsert(pls, position)
			if err := tx.Place(ctx, plan.Writes); err != nil {
				return err
			}
			status := payload.Status
			if status == "" {
				status = StatusOpen
			}
			now := b.now()
			it := Item{
				ID:         id,
				Kind:       key.Kind,
				ParentID:   key.ParentID,
				ProjectID:  g.ProjectID,
				Position:   plan.Position,
				Title:      strings.TrimSpace(payload.Title),
				Notes:      payload.Notes,
				Status:     status,
				AssigneeID: payload.AssigneeID,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.Insert(ctx, it); err != nil {
				return err
			}
			v, err := tx.BumpVersion(ctx, key)
			if err != nil {
				return err
			}
			created = it
			writes = append(plan.Writes, Placement{ID: it.ID, ParentID: it.ParentID, Position: it.Position})
			versions = []GroupVersion{{Group: key.String(), Version: v}}
			return nil
		})
	})
	if err != nil {
		return Item{}, fmt.Errorf("insert %s: %w", key, err)
	}

	var inv invalidation
	inv.group(key, created.ProjectID)
	inv.placed(writes)
	b.invalidate(ctx, inv)

	item := created
	b.publish(ctx, ChangeEvent{
		Room:       ProjectRoom(created.ProjectID),
		Type:       EventType(created.Kind, ActionCreated),
		EntityType: created.Kind,
		Action:     ActionCreated,
		ItemID:     created.ID,
		Item:       &item,
		Positions:  writes,
		Versions:   versions,
		ActorID:    actorID,
	})
	b.assigned(ctx, actorID, created)
	return created, nil
}

// Move relocates an item inside its group or into another group of the same
// kind. Empty fields of dest default to the item's current group; a nil
// position means the tail.
func (b *Board) Move(ctx context.Context, actorID, itemID string, dest GroupKey, position *int) (Item, error) {
	var (
		moved      Item
		src, to    GroupKey
		srcProject string
		dstProject string
		writes     []Placement
		versions   []GroupVersion
		subtree    []Item
		changed    bool
	)
	err := b.retry("move", func() error {
		cur, err := b.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		src, to = cur.Group(), dest
		if to.Kind == "" {
			to.Kind = cur.Kind
		}
		if to.ParentID == "" {
			to.ParentID = cur.ParentID
		}
		if to.Kind != cur.Kind {
			return fmt.Errorf("%w: cannot move a %s into a %s group", ErrInvalidMove, cur.Kind, to.Kind)
		}
		srcProject, dstProject = cur.ProjectID, cur.ProjectID
		if err := b.authorize(ctx, srcProject, actorID); err != nil {
			return err
		}
		srcGroup, err := b.store.ResolveGroup(ctx, src)
		if err != nil {
			return err
		}
		dstGroup := srcGroup
		if to != src {
			if dstGroup, err = b.store.ResolveGroup(ctx, to); err != nil {
				return err
			}
			dstProject = dstGroup.ProjectID
			if dstProject != srcProject {
				if err := b.authorize(ctx, dstProject, actorID); err != nil {
					return err
				}
			}
		}

		return b.store.Reconcile(ctx, lockKeys(srcGroup, dstGroup), func(tx GroupTx) error {
			writes, versions, subtree, changed = nil, nil, nil, false
			it, err := tx.Item(ctx, itemID)
			if err != nil {
				return err
			}
			if it.Group() != src {
				return fmt.Errorf("%w: item %s left group %s", ErrStoreConflict, itemID, src)
			}
			sg, err := tx.ResolveGroup(ctx, src)
			if err != nil {
				return err
			}
			if err := sameParentGroup(srcGroup, sg); err != nil {
				return err
			}

			if to == src {
				pls, err := tx.Placements(ctx, src)
				if err != nil {
					return err
				}
				target := len(pls) - 1
				if position != nil {
					target = *position
				}
				plan, err := PlanMove(pls, itemID, target)
				if err != nil {
					return err
				}
				if len(plan.Writes) == 0 {
					moved = it
					return nil
				}
				if err := tx.Place(ctx, plan.Writes); err != nil {
					return err
				}
				v, err := tx.BumpVersion(ctx, src)
				if err != nil {
					return err
				}
				writes = plan.Writes
				versions = []GroupVersion{{Group: src.String(), Version: v}}
			} else {
				g, err := tx.ResolveGroup(ctx, to)
				if err != nil {
					return err
				}
				if err := sameParentGroup(dstGroup, g); err != nil {
					return err
				}
				srcPls, err := tx.Placements(ctx, src)
				if err != nil {
					return err
				}
				dstPls, err := tx.Placements(ctx, to)
				if err != nil {
					return err
				}
				plan, err := PlanTransfer(srcPls, dstPls, itemID, to, position)
				if err != nil {
					return err
				}
				writes = append(append([]Placement(nil), plan.Source...), plan.Dest...)
				if err := tx.Place(ctx, writes); err != nil {
					return err
				}
				if g.ProjectID != it.ProjectID {
					if subtree, err = tx.SetProject(ctx, itemID, g.ProjectID); err != nil {
						return err
					}
				}
				for _, k := range []GroupKey{src, to} {
					v, err := tx.BumpVersion(ctx, k)
					if err != nil {
						return err
					}
					versions = append(versions, GroupVersion{Group: k.String(), Version: v})
				}
			}
			changed = true
			moved, err = tx.Item(ctx, itemID)
			return err
		})
	})
	if err != nil {
		return Item{}, fmt.Errorf("move %s: %w", itemID, err)
	}
	if !changed {
		return moved, nil
	}

	var inv invalidation
	inv.key(ItemKey(itemID))
	inv.group(src, srcProject)
	if to != src {
		inv.group(to, dstProject)
	}
	inv.placed(writes)
	inv.subtree(subtree)
	b.invalidate(ctx, inv)

	info := &MoveInfo{
		ItemID:         itemID,
		SourceGroupKey: src.String(),
		DestGroupKey:   to.String(),
		NewPosition:    moved.Position,
	}
	rooms := []Room{ProjectRoom(srcProject)}
	if dstProject != srcProject {
		rooms = append(rooms, ProjectRoom(dstProject))
	}
	events := make([]ChangeEvent, 0, len(rooms))
	for _, room := range rooms {
		item := moved
		events = append(events, ChangeEvent{
			Room:       room,
			Type:       EventType(moved.Kind, ActionMoved),
			EntityType: moved.Kind,
			Action:     ActionMoved,
			ItemID:     itemID,
			Item:       &item,
			Move:       info,
			Positions:  writes,
			Versions:   versions,
			ActorID:    actorID,
		})
	}
	b.publish(ctx, events...)
	return moved, nil
}

// Remove deletes an item with its subtree and closes the gap in its group.
func (b *Board) Remove(ctx context.Context, actorID, itemID string) error {
	var (
		cur      Item
		removed  []Item
		writes   []Placement
		versions []GroupVersion
	)
	err := b.retry("remove", func() error {
		var err error
		cur, err = b.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := b.authorize(ctx, cur.ProjectID, actorID); err != nil {
			return err
		}
		key := cur.Group()
		keys := []GroupKey{key}
		if child, ok := cur.ChildGroup(); ok {
			keys = append(keys, child)
		}
		return b.store.Reconcile(ctx, keys, func(tx GroupTx) error {
			it, err := tx.Item(ctx, itemID)
			if err != nil {
				return err
			}
			if it.Group() != key {
				return fmt.Errorf("%w: item %s left group %s", ErrStoreConflict, itemID, key)
			}
			pls, err := tx.Placements(ctx, key)
			if err != nil {
				return err
			}
			gap, err := PlanRemove(pls, itemID)
			if err != nil {
				return err
			}
			if removed, err = tx.Delete(ctx, itemID); err != nil {
				return err
			}
			if err := tx.Place(ctx, gap); err != nil {
				return err
			}
			v, err := tx.BumpVersion(ctx, key)
			if err != nil {
				return err
			}
			writes = gap
			versions = []GroupVersion{{Group: key.String(), Version: v}}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", itemID, err)
	}

	var inv invalidation
	inv.group(cur.Group(), cur.ProjectID)
	inv.placed(writes)
	inv.subtree(removed)
	b.invalidate(ctx, inv)

	ids := make([]string, 0, len(removed))
	for _, it := range removed {
		ids = append(ids, it.ID)
	}
	b.publish(ctx, ChangeEvent{
		Room:       ProjectRoom(cur.ProjectID),
		Type:       EventType(cur.Kind, ActionDeleted),
		EntityType: cur.Kind,
		Action:     ActionDeleted,
		ItemID:     itemID,
		Positions:  writes,
		Removed:    ids,
		Versions:   versions,
		ActorID:    actorID,
	})
	return nil
}

// Update edits payload fields of an item. Order is untouched but the group
// version still advances so clients can sequence the change.
func (b *Board) Update(ctx context.Context, actorID, itemID string, patch ItemPatch) (Item, error) {
	if patch.empty() {
		return Item{}, fmt.Errorf("%w: nothing to update", ErrInvalidItem)
	}
	var (
		updated    Item
		prevAssign string
		versions   []GroupVersion
	)
	err := b.retry("update", func() error {
		cur, err := b.store.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if err := b.authorize(ctx, cur.ProjectID, actorID); err != nil {
			return err
		}
		key := cur.Group()
		return b.store.Reconcile(ctx, []GroupKey{key}, func(tx GroupTx) error {
			it, err := tx.Item(ctx, itemID)
			if err != nil {
				return err
			}
			if it.Group() != key {
				return fmt.Errorf("%w: item %s left group %s", ErrStoreConflict, itemID, key)
			}
			prevAssign = it.AssigneeID
			if err := patch.apply(&it); err != nil {
				return err
			}
			it.UpdatedAt = b.now()
			if err := tx.Update(ctx, it); err != nil {
				return err
			}
			v, err := tx.BumpVersion(ctx, key)
			if err != nil {
				return err
			}
			updated = it
			versions = []GroupVersion{{Group: key.String(), Version: v}}
			return nil
		})
	})
	if err != nil {
		return Item{}, fmt.Errorf("update %s: %w", itemID, err)
	}

	var inv invalidation
	inv.key(ItemKey(itemID))
	inv.group(updated.Group(), updated.ProjectID)
	b.invalidate(ctx, inv)

	item := updated
	b.publish(ctx, ChangeEvent{
		Room:       ProjectRoom(updated.ProjectID),
		Type:       EventType(updated.Kind, ActionUpdated),
		EntityType: updated.Kind,
		Action:     ActionUpdated,
		ItemID:     updated.ID,
		Item:       &item,
		Versions:   versions,
		ActorID:    actorID,
	})
	if updated.AssigneeID != prevAssign {
		b.assigned(ctx, actorID, updated)
	}
	return updated, nil
}

// Repair compacts a group whose positions drifted away from 0..n-1, keeping
// the relative order. It returns the writes applied.
func (b *Board) Repair(ctx context.Context, actorID string, key GroupKey) ([]Placement, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	g, err := b.store.ResolveGroup(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := b.authorize(ctx, g.ProjectID, actorID); err != nil {
		return nil, err
	}
	var (
		writes   []Placement
		versions []GroupVersion
	)
	err = b.retry("repair", func() error {
		return b.store.Reconcile(ctx, []GroupKey{key}, func(tx GroupTx) error {
			writes, versions = nil, nil
			pls, err := tx.Placements(ctx, key)
			if err != nil {
				return err
			}
			fix := Compact(pls)
			if len(fix) == 0 {
				return nil
			}
			if err := tx.Place(ctx, fix); err != nil {
				return err
			}
			v, err := tx.BumpVersion(ctx, key)
			if err != nil {
				return err
			}
			writes = fix
			versions = []GroupVersion{{Group: key.String(), Version: v}}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("repair %s: %w", key, err)
	}
	if len(writes) == 0 {
		return []Placement{}, nil
	}
	b.log.WithFields(log.Fields{"group": key.String(), "writes": len(writes)}).Warn("group positions repaired")

	var inv invalidation
	inv.group(key, g.ProjectID)
	inv.placed(writes)
	b.invalidate(ctx, inv)
	b.publish(ctx, ChangeEvent{
		Room:       ProjectRoom(g.ProjectID),
		Type:       EventType(key.Kind, ActionRepaired),
		EntityType: key.Kind,
		Action:     ActionRepaired,
		Positions:  writes,
		Versions:   versions,
		ActorID:    actorID,
	})
	return writes, nil
}

// CreateProject creates a project owned by the actor.
func (b *Board) CreateProject(ctx context.Context, actorID, name string) (Project, error) {
	if actorID == "" {
		return Project{}, ErrUnauthorized
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("%w: project name is required", ErrInvalidItem)
	}
	p := Project{
		ID:        b.newID(),
		Name:      name,
		OwnerID:   actorID,
		Members:   []string{actorID},
		CreatedAt: b.now(),
	}
	if err := b.store.CreateProject(ctx, p); err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

// AddMember grants userID access to a project the actor can already access.
func (b *Board) AddMember(ctx context.Context, actorID, projectID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidItem)
	}
	if _, err := b.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	if err := b.authorize(ctx, projectID, actorID); err != nil {
		return err
	}
	if err := b.store.AddMember(ctx, projectID, userID); err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	var inv invalidation
	inv.key(ProjectKey(projectID))
	b.invalidate(ctx, inv)
	return nil
}
