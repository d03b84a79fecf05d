// Package migrations embeds SQL migration files into the binary.
//
// This lets the agent and the offline session tools migrate the state
// store without SQL files present on the filesystem - they're compiled
// into the executable.
package migrations

import (
	"embed"

	"github.com/edgelink-io/opcua-agent/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	// Register embedded migrations with the database package.
	// The embed directive above captures all .sql files in this directory.
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
