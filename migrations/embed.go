// Package migrations embeds the SQL files applied by `labroute migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
