package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"prism-board/domain"
)

// SQLiteStore persists the board in an embedded SQLite database. A single
// connection makes it a single writer, so reconciliations are serialized.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) q() querier { return sqlQuerier{s.db} }

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return getItem(ctx, s.q(), id)
}

func (s *SQLiteStore) ListGroup(ctx context.Context, key domain.GroupKey) ([]domain.Item, error) {
	return listGroup(ctx, s.q(), key)
}

func (s *SQLiteStore) ListProject(ctx context.Context, projectID string) ([]domain.Item, error) {
	return listProject(ctx, s.q(), projectID)
}

func (s *SQLiteStore) ResolveGroup(ctx context.Context, key domain.GroupKey) (domain.Group, error) {
	return resolveGroup(ctx, s.q(), key)
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, s.q(), id)
}

func (s *SQLiteStore) CreateProject(ctx context.Context, p domain.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := createProject(ctx, sqlQuerier{tx}, p); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) AddMember(ctx context.Context, projectID, userID string) error {
	if _, err := getProjectRow(ctx, s.q(), projectID); err != nil {
		return err
	}
	return addMember(ctx, s.q(), projectID, userID)
}

func (s *SQLiteStore) CanAccess(ctx context.Context, projectID, actorID string) (bool, error) {
	return canAccess(ctx, s.q(), projectID, actorID)
}

// Version returns the current version of a group.
func (s *SQLiteStore) Version(ctx context.Context, key domain.GroupKey) (int64, error) {
	return groupVersion(ctx, s.q(), key)
}

func (s *SQLiteStore) Reconcile(ctx context.Context, _ []domain.GroupKey, fn func(tx domain.GroupTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteConflict(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(sqlTx{q: sqlQuerier{tx}}); err != nil {
		return sqliteConflict(err)
	}
	if err := tx.Commit(); err != nil {
		return sqliteConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func sqliteConflict(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	if strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked") ||
		strings.Contains(s, "UNIQUE constraint failed: items.kind, items.parent_id, items.position") {
		return fmt.Errorf("%w: %v", domain.ErrStoreConflict, err)
	}
	return err
}

var _ domain.OrderedStore = (*SQLiteStore)(nil)
var _ domain.Authorizer = (*SQLiteStore)(nil)
