// Package migrations embeds the archive schema.
package migrations

import "embed"

// Files holds every .sql file in this directory; they run in name order (001, 002, ...).
//
//go:embed *.sql
var Files embed.FS
