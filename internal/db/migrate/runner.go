// Package migrate runs registry migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/geffzhang/weyhdbot/internal/db"
)

var ErrDSNRequired = errors.New("postgres dsn is required")

// Direction selects which way Run migrates.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Run applies migrations in the given direction. Already being at the target
// version is not an error.
func Run(dsn string, direction Direction) error {
	if dsn == "" {
		return ErrDSNRequired
	}
	if direction != Up && direction != Down {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
