// Package migrations embeds the SQL schema so the service binary can migrate without
// shipping the directory alongside it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
