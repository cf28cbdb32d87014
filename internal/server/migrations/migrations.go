// Package migrations embeds the goose SQL migrations for the file record store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
