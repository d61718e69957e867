package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"prism-board/domain"
)

// rows is the part of pgx.Rows and *sql.Rows the SQL stores use.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// querier hides the difference between pgx and database/sql. Queries are
// written with ? placeholders and rebound by the Postgres adapter.
type querier interface {
	Exec(ctx context.Context, q string, args ...any) (int64, error)
	Query(ctx context.Context, q string, args ...any) (rows, error)
	QueryRow(ctx context.Context, q string, args ...any) rowScanner
}

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgxQuerier struct{ c pgxConn }

func (q pgxQuerier) Exec(ctx context.Context, s string, args ...any) (int64, error) {
	tag, err := q.c.Exec(ctx, rebind(s), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgxQuerier) Query(ctx context.Context, s string, args ...any) (rows, error) {
	return q.c.Query(ctx, rebind(s), args...)
}

func (q pgxQuerier) QueryRow(ctx context.Context, s string, args ...any) rowScanner {
	return q.c.QueryRow(ctx, rebind(s), args...)
}

// rebind rewrites ? placeholders to $n.
func rebind(q string) string {
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQuerier struct{ c sqlConn }

func (q sqlQuerier) Exec(ctx context.Context, s string, args ...any) (int64, error) {
	res, err := q.c.ExecContext(ctx, s, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) Query(ctx context.Context, s string, args ...any) (rows, error) {
	r, err := q.c.QueryContext(ctx, s, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

func (q sqlQuerier) QueryRow(ctx context.Context, s string, args ...any) rowScanner {
	return q.c.QueryRowContext(ctx, s, args...)
}

type sqlRows struct{ *sql.Rows }

func (r sqlRows) Close() { _ = r.Rows.Close() }

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

const itemColumns = `id, kind, parent_id, project_id, position, title, notes, status, assignee_id, created_at, updated_at`

// subtreeCTE selects an item and all of its descendants. Sections are never
// children of items, which keeps project ids from matching item ids.
const subtreeCTE = `WITH RECURSIVE subtree(id) AS (
	SELECT id FROM items WHERE id = ?
	UNION ALL
	SELECT i.id FROM items i JOIN subtree s ON i.parent_id = s.id AND i.kind <> 'section'
)`

func scanItem(r rowScanner) (domain.Item, error) {
	var (
		it               domain.Item
		kind             string
		created, updated int64
	)
	if err := r.Scan(&it.ID, &kind, &it.ParentID, &it.ProjectID, &it.Position, &it.Title, &it.Notes,
		&it.Status, &it.AssigneeID, &created, &updated); err != nil {
		return domain.Item{}, err
	}
	it.Kind = domain.ItemKind(kind)
	it.CreatedAt = fromNanos(created)
	it.UpdatedAt = fromNanos(updated)
	return it, nil
}

func collectItems(rs rows, err error) ([]domain.Item, error) {
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := []domain.Item{}
	for rs.Next() {
		it, err := scanItem(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rs.Err()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func getItem(ctx context.Context, q querier, id string) (domain.Item, error) {
	it, err := scanItem(q.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if isNoRows(err) {
		return domain.Item{}, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	return it, err
}

func listGroup(ctx context.Context, q querier, key domain.GroupKey) ([]domain.Item, error) {
	return collectItems(q.Query(ctx, `SELECT `+itemColumns+` FROM items
		WHERE kind = ? AND parent_id = ? ORDER BY position, id`, string(key.Kind), key.ParentID))
}

func listProject(ctx context.Context, q querier, projectID string) ([]domain.Item, error) {
	if _, err := getProjectRow(ctx, q, projectID); err != nil {
		return nil, err
	}
	return collectItems(q.Query(ctx, `SELECT `+itemColumns+` FROM items
		WHERE project_id = ?
		ORDER BY CASE kind WHEN 'section' THEN 0 WHEN 'task' THEN 1 ELSE 2 END, parent_id, position, id`, projectID))
}

func resolveGroup(ctx context.Context, q querier, key domain.GroupKey) (domain.Group, error) {
	if err := key.Validate(); err != nil {
		return domain.Group{}, err
	}
	if key.Kind == domain.KindSection {
		if _, err := getProjectRow(ctx, q, key.ParentID); err != nil {
			return domain.Group{}, err
		}
		return domain.Group{Key: key, ProjectID: key.ParentID}, nil
	}
	parent, err := getItem(ctx, q, key.ParentID)
	if err != nil {
		return domain.Group{}, err
	}
	if string(parent.Kind) != key.Kind.ParentKind() {
		return domain.Group{}, fmt.Errorf("%w: %s %s", domain.ErrNotFound, key.Kind.ParentKind(), key.ParentID)
	}
	return domain.Group{Key: key, ProjectID: parent.ProjectID, Parent: parent}, nil
}

func getProjectRow(ctx context.Context, q querier, id string) (domain.Project, error) {
	var (
		p       domain.Project
		created int64
	)
	err := q.QueryRow(ctx, `SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.OwnerID, &created)
	if isNoRows(err) {
		return domain.Project{}, fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = fromNanos(created)
	return p, nil
}

func getProject(ctx context.Context, q querier, id string) (domain.Project, error) {
	p, err := getProjectRow(ctx, q, id)
	if err != nil {
		return domain.Project{}, err
	}
	rs, err := q.Query(ctx, `SELECT user_id FROM project_members WHERE project_id = ? ORDER BY user_id`, id)
	if err != nil {
		return domain.Project{}, err
	}
	defer rs.Close()
	for rs.Next() {
		var m string
		if err := rs.Scan(&m); err != nil {
			return domain.Project{}, err
		}
		p.Members = append(p.Members, m)
	}
	return p, rs.Err()
}

func createProject(ctx context.Context, q querier, p domain.Project) error {
	if _, err := q.Exec(ctx, `INSERT INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.OwnerID, toNanos(p.CreatedAt)); err != nil {
		return err
	}
	for _, m := range p.Members {
		if err := addMember(ctx, q, p.ID, m); err != nil {
			return err
		}
	}
	return nil
}

func addMember(ctx context.Context, q querier, projectID, userID string) error {
	_, err := q.Exec(ctx, `INSERT INTO project_members (project_id, user_id) VALUES (?, ?)
		ON CONFLICT (project_id, user_id) DO NOTHING`, projectID, userID)
	return err
}

func canAccess(ctx context.Context, q querier, projectID, actorID string) (bool, error) {
	var n int64
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM projects p
		WHERE p.id = ? AND (p.owner_id = ? OR EXISTS (
			SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = ?))`,
		projectID, actorID, actorID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// sqlTx implements domain.GroupTx for both SQL stores.
type sqlTx struct {
	q querier
}

func (tx sqlTx) Item(ctx context.Context, id string) (domain.Item, error) {
	return getItem(ctx, tx.q, id)
}

func (tx sqlTx) ResolveGroup(ctx context.Context, key domain.GroupKey) (domain.Group, error) {
	return resolveGroup(ctx, tx.q, key)
}

func (tx sqlTx) Placements(ctx context.Context, key domain.GroupKey) ([]domain.Placement, error) {
	rs, err := tx.q.Query(ctx, `SELECT id, parent_id, position FROM items
		WHERE kind = ? AND parent_id = ? ORDER BY position, id`, string(key.Kind), key.ParentID)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	out := []domain.Placement{}
	for rs.Next() {
		var pl domain.Placement
		if err := rs.Scan(&pl.ID, &pl.ParentID, &pl.Position); err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rs.Err()
}

// Place parks every written row on a unique negative position first so the
// (kind, parent_id, position) index never sees a transient duplicate.
func (tx sqlTx) Place(ctx context.Context, writes []domain.Placement) error {
	for i, w := range writes {
		n, err := tx.q.Exec(ctx, `UPDATE items SET parent_id = ?, position = ? WHERE id = ?`, w.ParentID, -1-i, w.ID)
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: item %s", domain.ErrNotFound, w.ID)
		}
	}
	for _, w := range writes {
		if _, err := tx.q.Exec(ctx, `UPDATE items SET position = ? WHERE id = ?`, w.Position, w.ID); err != nil {
			return err
		}
	}
	return nil
}

func (tx sqlTx) Insert(ctx context.Context, it domain.Item) error {
	_, err := tx.q.Exec(ctx, `INSERT INTO items (`+itemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, string(it.Kind), it.ParentID, it.ProjectID, it.Position, it.Title, it.Notes, it.Status,
		it.AssigneeID, toNanos(it.CreatedAt), toNanos(it.UpdatedAt))
	return err
}

func (tx sqlTx) Update(ctx context.Context, it domain.Item) error {
	n, err := tx.q.Exec(ctx, `UPDATE items SET title = ?, notes = ?, status = ?, assignee_id = ?, updated_at = ?
		WHERE id = ?`, it.Title, it.Notes, it.Status, it.AssigneeID, toNanos(it.UpdatedAt), it.ID)
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: item %s", domain.ErrNotFound, it.ID)
	}
	return nil
}

func (tx sqlTx) subtree(ctx context.Context, id string) ([]domain.Item, error) {
	items, err := collectItems(tx.q.Query(ctx, subtreeCTE+` SELECT `+itemColumns+` FROM items
		WHERE id IN (SELECT id FROM subtree)
		ORDER BY CASE kind WHEN 'section' THEN 0 WHEN 'task' THEN 1 ELSE 2 END, parent_id, position, id`, id))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item %s", domain.ErrNotFound, id)
	}
	return items, nil
}

func (tx sqlTx) SetProject(ctx context.Context, id, projectID string) ([]domain.Item, error) {
	if _, err := tx.q.Exec(ctx, subtreeCTE+` UPDATE items SET project_id = ? WHERE id IN (SELECT id FROM subtree)`,
		id, projectID); err != nil {
		return nil, err
	}
	return tx.subtree(ctx, id)
}

func (tx sqlTx) Delete(ctx context.Context, id string) ([]domain.Item, error) {
	removed, err := tx.subtree(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.q.Exec(ctx, subtreeCTE+` DELETE FROM items WHERE id IN (SELECT id FROM subtree)`, id); err != nil {
		return nil, err
	}
	return removed, nil
}

func (tx sqlTx) BumpVersion(ctx context.Context, key domain.GroupKey) (int64, error) {
	var v int64
	err := tx.q.QueryRow(ctx, `INSERT INTO group_versions (group_key, version) VALUES (?, 1)
		ON CONFLICT (group_key) DO UPDATE SET version = group_versions.version + 1
		RETURNING version`, key.String()).Scan(&v)
	return v, err
}

func groupVersion(ctx context.Context, q querier, key domain.GroupKey) (int64, error) {
	var v int64
	err := q.QueryRow(ctx, `SELECT version FROM group_versions WHERE group_key = ?`, key.String()).Scan(&v)
	if isNoRows(err) {
		return 0, nil
	}
	return v, err
}
