package csql

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/orderdesk/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a row
var ErrNoRows = sql.ErrNoRows

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier returns true if name can be used unquoted as schema, table or column name
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}

// OpenWithSchema opens a postgres database and selects schema. The schema gets created if it
// does not exist yet. An empty schema selects "public".
func OpenWithSchema(ctx context.Context, dataSourceName, password, schema string) (*DB, error) {
	rlog := logger.FromContext(ctx)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}

	if len(schema) == 0 {
		schema = "public"
	} else if !ValidIdentifier(schema) {
		db.Close()
		return nil, fmt.Errorf("invalid schema name '%s'", schema)
	} else {
		rlog.Infoln("selected database schema:", schema)
		if _, err = db.ExecContext(ctx, `CREATE schema IF NOT EXISTS `+schema+`;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot create schema %s: %w", schema, err)
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// Quote returns the schema qualified, quoted name of table
func (db *DB) Quote(table string) string {
	return db.Schema + `."` + strings.ReplaceAll(table, `"`, `""`) + `"`
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema(ctx context.Context) error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS `+db.Schema+` CASCADE;
CREATE schema IF NOT EXISTS `+db.Schema+`;`)
	return err
}
