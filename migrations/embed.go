// Package migrations embeds the SQLite schema files applied at startup.
// Migrations are additive only: new tables, new nullable columns, new indexes.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
