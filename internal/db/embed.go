// Package db holds the Postgres schema for the session registry.
package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
