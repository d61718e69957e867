package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"prism-board/domain"
)

// PostgresStore persists the board in Postgres. Each reconciliation takes a
// transaction scoped advisory lock per group, in sorted key order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) q() querier { return pgxQuerier{s.pool} }

func (s *PostgresStore) GetItem(ctx context.Context, id string) (domain.Item, error) {
	return getItem(ctx, s.q(), id)
}

func (s *PostgresStore) ListGroup(ctx context.Context, key domain.GroupKey) ([]domain.Item, error) {
	return listGroup(ctx, s.q(), key)
}

func (s *PostgresStore) ListProject(ctx context.Context, projectID string) ([]domain.Item, error) {
	return listProject(ctx, s.q(), projectID)
}

func (s *PostgresStore) ResolveGroup(ctx context.Context, key domain.GroupKey) (domain.Group, error) {
	return resolveGroup(ctx, s.q(), key)
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, s.q(), id)
}

func (s *PostgresStore) CreateProject(ctx context.Context, p domain.Project) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := createProject(ctx, pgxQuerier{tx}, p); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AddMember(ctx context.Context, projectID, userID string) error {
	if _, err := getProjectRow(ctx, s.q(), projectID); err != nil {
		return err
	}
	return addMember(ctx, s.q(), projectID, userID)
}

func (s *PostgresStore) CanAccess(ctx context.Context, projectID, actorID string) (bool, error) {
	return canAccess(ctx, s.q(), projectID, actorID)
}

// Version returns the current version of a group.
func (s *PostgresStore) Version(ctx context.Context, key domain.GroupKey) (int64, error) {
	return groupVersion(ctx, s.q(), key)
}

func (s *PostgresStore) Reconcile(ctx context.Context, keys []domain.GroupKey, fn func(tx domain.GroupTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, k := range lockOrder(keys) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, k); err != nil {
			return pgConflict(fmt.Errorf("lock %s: %w", k, err))
		}
	}
	if err := fn(sqlTx{q: pgxQuerier{tx}}); err != nil {
		return pgConflict(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pgConflict(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// pgConflict maps serialization failures, deadlocks and slot collisions to
// domain.ErrStoreConflict.
func pgConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return fmt.Errorf("%w: %s", domain.ErrStoreConflict, pgErr.Message)
		}
	}
	return err
}

var _ domain.OrderedStore = (*PostgresStore)(nil)
var _ domain.Authorizer = (*PostgresStore)(nil)
