package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
)

// SQLite is supported for development and single-user deployments. Scheduler
// writes go through one connection; WAL keeps readers unblocked.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Notes:
	// - When using the `modernc.org/sqlite` driver, each pragma must be
	//   prefixed with `_pragma=`.
	// - busy_timeout covers concurrent task status writes from the scheduler.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// SQLite: a single connection is optimal with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS task (
	id TEXT PRIMARY KEY,
	parent_id TEXT,
	original_task_id TEXT,
	user_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 1,
	has_children INTEGER NOT NULL DEFAULT 0,
	has_copy INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	dependencies TEXT,
	inputs TEXT,
	params TEXT,
	schemas TEXT,
	result TEXT,
	error TEXT NOT NULL DEFAULT '',
	created_ts INTEGER NOT NULL,
	updated_ts INTEGER NOT NULL,
	started_ts INTEGER NOT NULL DEFAULT 0,
	completed_ts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_task_parent_id ON task (parent_id);
CREATE INDEX IF NOT EXISTS idx_task_user_id ON task (user_id);
CREATE INDEX IF NOT EXISTS idx_task_status ON task (status);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to migrate task schema")
	}
	return nil
}
