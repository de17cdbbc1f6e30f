package keystore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// createdLayout is fixed width so created_at sorts lexically.
const createdLayout = "2006-01-02T15:04:05.000000000Z"

// SQL is a KeyRing backed by a signing_keys table. Exactly one row is
// active; inactive rows are kept for verification until revoked.
//
// Supported drivers are "sqlite" (modernc.org/sqlite) and "postgres"
// (github.com/lib/pq); the caller registers the driver.
type SQL struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewSQL wraps db and creates the signing_keys table if needed.
func NewSQL(ctx context.Context, db *sql.DB, driver string) (*SQL, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("keystore: unsupported sql driver %q", driver)
	}
	s := &SQL{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "keystore", "backend", driver),
	}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS signing_keys (
		key_id TEXT PRIMARY KEY,
		material TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("keystore: migrate signing_keys: %w", err)
	}
	return nil
}

// ph returns the n-th (1-based) bind placeholder for the driver.
func (s *SQL) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Key returns the active key.
func (s *SQL) Key(ctx context.Context) ([]byte, error) {
	query := `SELECT material FROM signing_keys WHERE active = TRUE ORDER BY created_at DESC LIMIT 1`
	var material string
	err := s.db.QueryRowContext(ctx, query).Scan(&material)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active row in signing_keys", ErrNoKey)
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: query active key: %w", err)
	}
	return decodeMaterial(material)
}

// Keys returns the active key first, then inactive keys newest first.
func (s *SQL) Keys(ctx context.Context) ([][]byte, error) {
	query := `SELECT material FROM signing_keys ORDER BY active DESC, created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("keystore: query keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys [][]byte
	for rows.Next() {
		var material string
		if err := rows.Scan(&material); err != nil {
			return nil, fmt.Errorf("keystore: scan key: %w", err)
		}
		key, err := decodeMaterial(material)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keystore: iterate keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: signing_keys is empty", ErrNoKey)
	}
	return keys, nil
}

// Add stores key as the new active key and returns its identifier.
func (s *SQL) Add(ctx context.Context, key []byte) (string, error) {
	if key == nil {
		return "", fmt.Errorf("keystore: add: %w", ErrNoKey)
	}
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("keystore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE signing_keys SET active = FALSE WHERE active = TRUE`); err != nil {
		return "", fmt.Errorf("keystore: deactivate keys: %w", err)
	}
	insert := fmt.Sprintf(`INSERT INTO signing_keys (key_id, material, active, created_at) VALUES (%s, %s, TRUE, %s)`,
		s.ph(1), s.ph(2), s.ph(3))
	createdAt := time.Now().UTC().Format(createdLayout)
	if _, err := tx.ExecContext(ctx, insert, id, base64.StdEncoding.EncodeToString(key), createdAt); err != nil {
		return "", fmt.Errorf("keystore: insert key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("keystore: commit: %w", err)
	}
	return id, nil
}

// Rotate generates and activates a new key.
func (s *SQL) Rotate(ctx context.Context) (string, error) {
	key, err := Generate(DefaultKeySize)
	if err != nil {
		return "", err
	}
	defer clear(key)
	id, err := s.Add(ctx, key)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "rotated signing key", "key_id", id)
	return id, nil
}

// Revoke deletes a key. Revoking the active key leaves no active key.
func (s *SQL) Revoke(ctx context.Context, id string) error {
	query := fmt.Sprintf(`DELETE FROM signing_keys WHERE key_id = %s`, s.ph(1))
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("keystore: revoke %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keystore: revoke %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("keystore: unknown key %s", id)
	}
	s.logger.InfoContext(ctx, "revoked signing key", "key_id", id)
	return nil
}

func decodeMaterial(material string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("keystore: decode key material: %w", err)
	}
	return key, nil
}
