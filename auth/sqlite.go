package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// SQLiteStore checks credentials against a `users(username, password_hash)`
// table, comparing with bcrypt. OpenSQLiteStore creates that table when it
// is missing; no other schema migration is performed.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the sqlite3 database at path and
// ensures the users table exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open sqlite store: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auth: create users table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AddUser inserts or replaces a user, hashing password with bcrypt at the
// given cost.
func (s *SQLiteStore) AddUser(ctx context.Context, username, password string, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, string(hash))
	return err
}

// Authenticate implements Store.
func (s *SQLiteStore) Authenticate(ctx context.Context, username string, password []byte) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT password_hash FROM users WHERE username = ?`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("auth: query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), password); err != nil {
		return false, nil
	}
	return true, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
