// Package migrations embeds the SQL schema migrations for the PostgreSQL
// metadata store.
package migrations

import "embed"

// FS holds the migration files, consumed by golang-migrate via iofs.
//
//go:embed *.sql
var FS embed.FS
