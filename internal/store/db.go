package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection to the shared message store.
type DB struct {
	*sqlx.DB
}

// Open connects to the store and verifies the connection.
func Open(dsn string) (*DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	// A sync client for one conversation needs very little parallelism.
	db.SetMaxOpenConns(4)
	return &DB{db}, nil
}
