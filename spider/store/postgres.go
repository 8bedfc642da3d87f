package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the PostgreSQL implementation of Store.
//
// Designed for crawls that outlive a single machine or need concurrent
// read access from analysis tooling while the crawl runs. An optional
// schema namespaces all tables so several projects can share a database.
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore opens a PostgreSQL-backed store. The locator is a
// standard postgres:// connection URL. A non-empty schema is created if
// missing and prefixes every table.
func NewPostgresStore(locator, schema string, schemas map[string]LayerSchema) (*PostgresStore, error) {
	db, err := sql.Open("postgres", locator)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	prefix := ""
	if schema != "" {
		schema = sanitizeIdent(schema)
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema %q: %w", schema, err)
		}
		prefix = schema + "."
	}

	s := &PostgresStore{sqlStore: newSQLStore(db, postgresDialect(), prefix, schemas)}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func postgresDialect() dialect {
	return dialect{
		name:        "postgres",
		placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
		textType:    "TEXT",
		textKeyType: "TEXT",
		intType:     "BIGINT",
		boolType:    "BIGINT",
		blobType:    "BYTEA",
		autoPK:      "BIGSERIAL PRIMARY KEY",
		upsert: func(_ string, keyCols, assignments []string) string {
			return "ON CONFLICT (" + strings.Join(keyCols, ", ") + ") DO UPDATE SET " +
				strings.Join(assignments, ", ")
		},
		insertIgnore: func(table, cols, marks string) string {
			return "INSERT INTO " + table + " (" + cols + ") VALUES (" + marks + ") ON CONFLICT DO NOTHING"
		},
		createIndex: func(name, table, cols string) string {
			return "CREATE INDEX IF NOT EXISTS " + name + " ON " + table + " (" + cols + ")"
		},
		excluded: func(col string) string { return "excluded." + col },
		greatest: func(a, b string) string { return "GREATEST(" + a + ", " + b + ")" },
	}
}
