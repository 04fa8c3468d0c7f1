// To handle all database interactions. This is our
// data access layer, keeping SQL queries separate from business logic.

package store

import (
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when inserting a chapter that is already
	// catalogued.
	ErrAlreadyExists = errors.New("already exists")
)

// Store provides all functions to interact with the database.
type Store struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// New creates a new Store instance.
func New(db *sql.DB) *Store {
	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

// DB exposes the underlying handle for jobs that run ad-hoc queries.
func (s *Store) DB() *sql.DB {
	return s.db
}
