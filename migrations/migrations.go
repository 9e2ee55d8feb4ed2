// Package migrations embeds the versioned schema for each supported database driver.
package migrations

import "embed"

// FS holds postgres/*.sql and sqlite/*.sql
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS

// Directories inside FS per driver
const (
	PostgresDir = "postgres"
	SQLiteDir   = "sqlite"
)
