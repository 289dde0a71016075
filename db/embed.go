// Package db embeds the SQL migrations applied by the storage layer.
package db

import "embed"

// MigrationFS embeds SQL migration files from db/migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
