// Package migrations embeds and applies the relational store's versioned
// schema files via goose with up/down version tracking.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var schemaFS embed.FS

// Apply runs every pending migration against conn.
func Apply(conn *sql.DB) error {
	goose.SetBaseFS(schemaFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(conn, ".")
}
