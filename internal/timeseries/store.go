package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// MetadataFileName is the catalog database written beside exported arrays.
const MetadataFileName = "time_series_metadata.db"

const metadataSchema = `CREATE TABLE IF NOT EXISTS time_series_metadata (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_uuid TEXT NOT NULL,
	owner_type TEXT NOT NULL,
	time_series_type TEXT NOT NULL,
	name TEXT NOT NULL,
	array_uuid TEXT NOT NULL,
	attributes_hash TEXT NOT NULL,
	attributes TEXT NOT NULL,
	metadata TEXT NOT NULL,
	UNIQUE (owner_uuid, name, attributes_hash)
)`

const ownerIndex = `CREATE INDEX IF NOT EXISTS by_owner ON time_series_metadata (owner_uuid, name)`

// SaveCatalog writes every entry of c to a fresh SQLite database at path,
// replacing any existing file.
func SaveCatalog(ctx context.Context, path string, c *Catalog) (retErr error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()
	for _, ddl := range []string{metadataSchema, ownerIndex} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create metadata table: %w", err)
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO time_series_metadata
		(owner_uuid, owner_type, time_series_type, name, array_uuid, attributes_hash, attributes, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()
	for _, m := range c.All() {
		hash, err := attributesHash(m.Attributes)
		if err != nil {
			return err
		}
		attrs, err := canonical(m.Attributes)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, m.OwnerID.String(), m.OwnerType, string(m.Type), m.Name,
			m.ArrayID.String(), hash, attrs, string(payload)); err != nil {
			return fmt.Errorf("insert %s: %w", m, err)
		}
	}
	return tx.Commit()
}

// LoadCatalog reads the entries written by SaveCatalog in insertion order.
// Handles are left empty; the caller assigns them for its backend.
func LoadCatalog(ctx context.Context, path string) ([]Metadata, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()
	rows, err := db.QueryContext(ctx, `SELECT metadata FROM time_series_metadata ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Metadata
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var m Metadata
		dec := json.NewDecoder(strings.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if m.Attributes == nil {
			m.Attributes = map[string]any{}
		}
		for k, v := range m.Attributes {
			m.Attributes[k] = exactNumbers(v)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountCatalog returns the number of entries and distinct arrays recorded
// at path without decoding them.
func CountCatalog(ctx context.Context, path string) (entries, arrays int, err error) {
	if _, err := os.Stat(path); err != nil {
		return 0, 0, fmt.Errorf("open metadata: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, 0, fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = db.Close() }()
	err = db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT array_uuid) FROM time_series_metadata`).Scan(&entries, &arrays)
	return entries, arrays, err
}
