package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL database using the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping database")
	}

	return &DB{db: db, profile: profile}, nil
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
	has_children BOOLEAN NOT NULL DEFAULT FALSE,
	has_copy BOOLEAN NOT NULL DEFAULT FALSE,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	dependencies JSONB,
	inputs JSONB,
	params JSONB,
	schemas JSONB,
	result JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL,
	started_ts BIGINT NOT NULL DEFAULT 0,
	completed_ts BIGINT NOT NULL DEFAULT 0
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

// placeholder returns the parameter placeholder for the given 1-based index.
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
