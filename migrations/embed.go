// Package migrations embeds all SQL migration files so the binary is
// self-contained and never depends on a working directory holding
// ./migrations/. Each backend loads the schema matching its driver.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
