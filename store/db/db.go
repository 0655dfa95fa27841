// Package db resolves the configured database driver.
package db

import (
	"github.com/pkg/errors"

	"github.com/taskforge/taskforge/internal/profile"
	"github.com/taskforge/taskforge/store"
	"github.com/taskforge/taskforge/store/db/memory"
	"github.com/taskforge/taskforge/store/db/postgres"
	"github.com/taskforge/taskforge/store/db/sqlite"
)

// NewDBDriver creates a new database driver based on the profile.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	switch profile.Driver {
	case "postgres":
		return postgres.NewDB(profile)
	case "sqlite":
		return sqlite.NewDB(profile)
	case "memory":
		return memory.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver %q", profile.Driver)
	}
}
