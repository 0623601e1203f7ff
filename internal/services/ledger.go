package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// PostgresLedger keeps token balances in the users table of a Postgres database.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// SQLiteLedger keeps token balances in a local SQLite database. It serves single-user installations
// that run without Postgres.
type SQLiteLedger struct {
	db *sql.DB
}

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	token_number INTEGER NOT NULL DEFAULT 0,
	consumed_token INTEGER NOT NULL DEFAULT 0
)`

// NewPostgresLedger creates a ledger backed by pool. The schema is created by RunMigrations.
func NewPostgresLedger(pool *pgxpool.Pool) PostgresLedger {
	return PostgresLedger{pool: pool}
}

// Balance returns the user's ledger, or models.ErrUserNotFound.
func (l PostgresLedger) Balance(ctx context.Context, userID string) (models.Ledger, error) {
	var ledger models.Ledger
	err := l.pool.QueryRow(ctx,
		`SELECT token_number, consumed_token FROM users WHERE id = $1`, userID,
	).Scan(&ledger.TokenNumber, &ledger.ConsumedToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ledger{}, models.ErrUserNotFound
		}
		return models.Ledger{}, fmt.Errorf("get balance: %w", err)
	}
	return ledger, nil
}

// SetConsumed records consumed as the user's consumed token count and returns the stored value.
// The stored count never decreases, so a stale write cannot undo a newer one.
func (l PostgresLedger) SetConsumed(ctx context.Context, userID string, consumed int64) (int64, error) {
	var stored int64
	err := l.pool.QueryRow(ctx,
		`UPDATE users SET consumed_token = GREATEST(consumed_token, $2) WHERE id = $1 RETURNING consumed_token`,
		userID, consumed,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrUserNotFound
		}
		return 0, fmt.Errorf("set consumed tokens: %w", err)
	}
	return stored, nil
}

// EnsureUser creates the user with tokenNumber tokens unless it already exists.
func (l PostgresLedger) EnsureUser(ctx context.Context, userID string, tokenNumber int64) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO users (id, token_number) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		userID, tokenNumber)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// NewSQLiteLedger opens the SQLite database at path and creates the users table if needed. Use
// ":memory:" for a throwaway database.
func NewSQLiteLedger(ctx context.Context, path string) (SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return SQLiteLedger{}, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteLedgerSchema); err != nil {
		_ = db.Close()
		return SQLiteLedger{}, fmt.Errorf("failed to create users table: %w", err)
	}

	return SQLiteLedger{db: db}, nil
}

// Balance returns the user's ledger, or models.ErrUserNotFound.
func (l SQLiteLedger) Balance(ctx context.Context, userID string) (models.Ledger, error) {
	var ledger models.Ledger
	err := l.db.QueryRowContext(ctx,
		`SELECT token_number, consumed_token FROM users WHERE id = ?`, userID,
	).Scan(&ledger.TokenNumber, &ledger.ConsumedToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ledger{}, models.ErrUserNotFound
		}
		return models.Ledger{}, fmt.Errorf("get balance: %w", err)
	}
	return ledger, nil
}

// SetConsumed records consumed as the user's consumed token count and returns the stored value.
// The stored count never decreases.
func (l SQLiteLedger) SetConsumed(ctx context.Context, userID string, consumed int64) (int64, error) {
	var stored int64
	err := l.db.QueryRowContext(ctx,
		`UPDATE users SET consumed_token = MAX(consumed_token, ?) WHERE id = ? RETURNING consumed_token`,
		consumed, userID,
	).Scan(&stored)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrUserNotFound
		}
		return 0, fmt.Errorf("set consumed tokens: %w", err)
	}
	return stored, nil
}

// EnsureUser creates the user with tokenNumber tokens unless it already exists.
func (l SQLiteLedger) EnsureUser(ctx context.Context, userID string, tokenNumber int64) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO users (id, token_number) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		userID, tokenNumber)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// Close closes the database.
func (l SQLiteLedger) Close() error {
	return l.db.Close()
}
