// Package migrations embeds the store schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
