package migrations

import "embed"

// Files embeds the up and down migrations for use by the migrator.
//
//go:embed *.sql
var Files embed.FS
