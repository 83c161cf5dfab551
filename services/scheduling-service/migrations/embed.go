// Package migrations embeds the scheduling service schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
