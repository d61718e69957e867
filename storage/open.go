package storage

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// Backend is an ordered store that also answers project access checks.
type Backend interface {
	domain.OrderedStore
	domain.Authorizer
	Ping(ctx context.Context) error
}

// Selection names the store to open. DatabaseURL wins over SQLitePath; with
// neither set the board lives in memory.
type Selection struct {
	DatabaseURL string
	SQLitePath  string
	// Migrate creates the schema after connecting.
	Migrate bool
}

// Open connects to the selected store. The returned func releases it.
func Open(ctx context.Context, sel Selection, logger *log.Logger) (Backend, func(), error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	switch {
	case sel.DatabaseURL != "":
		pg, err := OpenPostgres(ctx, sel.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if sel.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		logger.Info("using postgres store")
		return pg, pg.Close, nil

	case sel.SQLitePath != "":
		lite, err := OpenSQLite(sel.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if sel.Migrate {
			if err := lite.Migrate(ctx); err != nil {
				_ = lite.Close()
				return nil, nil, err
			}
		}
		logger.WithFields(log.Fields{"path": sel.SQLitePath}).Info("using sqlite store")
		return lite, func() {
			if err := lite.Close(); err != nil {
				logger.WithError(err).Warn("closing sqlite store")
			}
		}, nil

	default:
		logger.Warn("no DATABASE_URL or SQLITE_PATH set, board state is kept in memory")
		return NewMemoryStore(), func() {}, nil
	}
}

// MigrateSelected opens the selected SQL store and applies the schema.
func MigrateSelected(ctx context.Context, sel Selection, logger *log.Logger) error {
	if sel.DatabaseURL == "" && sel.SQLitePath == "" {
		return fmt.Errorf("migrate: DATABASE_URL or SQLITE_PATH is required")
	}
	sel.Migrate = true
	_, release, err := Open(ctx, sel, logger)
	if err != nil {
		return err
	}
	release()
	return nil
}
