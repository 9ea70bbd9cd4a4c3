package migrations

import "embed"

// FS embeds the numbered SQL migrations for the SQLite exercise store.
//
//go:embed *.sql
var FS embed.FS
