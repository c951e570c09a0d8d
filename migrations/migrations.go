// README: Embedded SQL migrations applied by golang-migrate on startup and in DB tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
