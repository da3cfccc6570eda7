package database

import (
	"context"
	"database/sql"
	"errors"
)

// GetMetadata retrieves a metadata value by key.
// Returns sql.ErrNoRows if the key doesn't exist.
func (d *Database) GetMetadata(ctx context.Context, key string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var value sql.NullString
	err := d.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// SetMetadata sets a metadata key-value pair.
func (d *Database) SetMetadata(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// SchemaVersion returns the stored schema version, or "" for a database
// that predates versioning.
func (d *Database) SchemaVersion(ctx context.Context) (string, error) {
	v, err := d.GetMetadata(ctx, "schema_version")
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}
