// Package table stores arrays as rows of a relational table, one row per
// element, through database/sql. SQLite (modernc) is the default driver;
// PostgreSQL is reached through pgx. The raw column keeps the exact bit
// pattern of every element so reads are lossless; value holds the numeric
// value for ad-hoc queries.
package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"infrasys/internal/arraystore/core"
)

// FileName is the SQLite database file inside a backend directory.
const FileName = "time_series.sqlite"

// DefaultInstance names the rows of a SQLite backend that owns its file.
// Exports are always written under it.
const DefaultInstance = "default"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Backend implements core.Backend and core.RangeReader on database/sql.
type Backend struct {
	db       *sql.DB
	dialect  dialect
	dsn      string
	instance string
	owned    bool
}

// Option configures a Backend.
type Option func(*Backend)

// Owned makes Destroy remove the SQLite file's directory.
func Owned() Option { return func(b *Backend) { b.owned = true } }

// WithInstance scopes the backend to the rows tagged name. Backends on the
// same database with different instances never see each other's arrays.
// SQLite defaults to DefaultInstance; PostgreSQL to a fresh uuid.
func WithInstance(name string) Option { return func(b *Backend) { b.instance = name } }

// Open connects to dsn with the named driver and ensures the schema. For
// sqlite, dsn is a file path; an empty path is rejected.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Backend, error) {
	d, err := lookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		dsn = d.defaultDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("table backend: empty dsn")
	}
	if d.ownsFile {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	openMu.Lock()
	db, err := sqlOpen(d.sqlDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.ownsFile {
		// one connection keeps sqlite writers from contending for the file lock
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}
	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	b := &Backend{db: db, dialect: d, dsn: dsn}
	for _, opt := range opts {
		opt(b)
	}
	if b.instance == "" {
		b.instance = DefaultInstance
		if !d.ownsFile {
			b.instance = uuid.NewString()
		}
	}
	return b, nil
}

// OpenDir opens the SQLite database dir/FileName.
func OpenDir(ctx context.Context, dir string, opts ...Option) (*Backend, error) {
	return Open(ctx, DriverSQLite, filepath.Join(dir, FileName), opts...)
}

// DB exposes the underlying handle for range queries in tests.
func (b *Backend) DB() *sql.DB { return b.db }

// Instance returns the row namespace of the backend.
func (b *Backend) Instance() string { return b.instance }

// Describe reports kind, location and the array count of this instance.
func (b *Backend) Describe() core.Description {
	var n int
	_ = b.db.QueryRow(b.q(`SELECT COUNT(*) FROM time_series_arrays WHERE instance = ?`), b.instance).Scan(&n)
	loc := b.dsn
	if !b.dialect.ownsFile {
		loc = b.dialect.name + ":" + b.instance
	}
	return core.Description{Kind: core.KindTable, Location: loc, Count: n}
}

func (b *Backend) q(query string) string { return b.dialect.rebind(query) }

// Store inserts one array row and one value row per element in a single
// transaction.
func (b *Backend) Store(ctx context.Context, id uuid.UUID, a core.Array) (h core.Handle, retErr error) {
	if err := a.Validate(); err != nil {
		return core.Handle{}, err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Handle{}, err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	var exists int
	if err := tx.QueryRowContext(ctx, b.q(`SELECT COUNT(*) FROM time_series_arrays WHERE instance = ? AND uuid = ?`), b.instance, id.String()).Scan(&exists); err != nil {
		return core.Handle{}, err
	}
	if exists > 0 {
		return core.Handle{}, fmt.Errorf("%s: %w", id, core.ErrExists)
	}
	var rowID int64
	if err := tx.QueryRowContext(ctx,
		b.q(`INSERT INTO time_series_arrays(instance, uuid, dtype, length) VALUES(?, ?, ?, ?) RETURNING id`),
		b.instance, id.String(), string(a.DType), a.Len(),
	).Scan(&rowID); err != nil {
		return core.Handle{}, fmt.Errorf("insert array %s: %w", id, err)
	}
	stmt, err := tx.PrepareContext(ctx, b.q(`INSERT INTO time_series_values(array_id, idx, value, raw) VALUES(?, ?, ?, ?)`))
	if err != nil {
		return core.Handle{}, err
	}
	defer func() { _ = stmt.Close() }()
	for i := 0; i < a.Len(); i++ {
		v := a.At(i)
		value := sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v) && !math.IsInf(v, 0)}
		if _, err := stmt.ExecContext(ctx, rowID, i, value, a.Bits(i)); err != nil {
			return core.Handle{}, fmt.Errorf("insert value %s[%d]: %w", id, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.Handle{}, err
	}
	return core.Handle{Kind: core.KindTable, Key: id.String()}, nil
}

func (b *Backend) lookup(ctx context.Context, h core.Handle) (rowID int64, dt core.DType, length int, err error) {
	id, err := core.CheckHandle(core.KindTable, h)
	if err != nil {
		return 0, "", 0, err
	}
	var dtype string
	err = b.db.QueryRowContext(ctx, b.q(`SELECT id, dtype, length FROM time_series_arrays WHERE instance = ? AND uuid = ?`), b.instance, id.String()).Scan(&rowID, &dtype, &length)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", 0, fmt.Errorf("%s: %w", id, core.ErrNotFound)
	}
	if err != nil {
		return 0, "", 0, err
	}
	return rowID, core.DType(dtype), length, nil
}

// Retrieve reads every element of the array named by h.
func (b *Backend) Retrieve(ctx context.Context, h core.Handle) (core.Array, error) {
	rowID, dt, length, err := b.lookup(ctx, h)
	if err != nil {
		return core.Array{}, err
	}
	return b.readValues(ctx, rowID, dt, 0, length)
}

// RetrieveRange reads elements [offset, offset+length) with an indexed
// range query.
func (b *Backend) RetrieveRange(ctx context.Context, h core.Handle, offset, length int) (core.Array, error) {
	rowID, dt, total, err := b.lookup(ctx, h)
	if err != nil {
		return core.Array{}, err
	}
	if offset < 0 || length < 0 || offset+length > total {
		return core.Array{}, fmt.Errorf("%w: range [%d,%d) of %d", core.ErrInvalidArray, offset, offset+length, total)
	}
	return b.readValues(ctx, rowID, dt, offset, length)
}

func (b *Backend) readValues(ctx context.Context, rowID int64, dt core.DType, offset, length int) (core.Array, error) {
	rows, err := b.db.QueryContext(ctx,
		b.q(`SELECT raw FROM time_series_values WHERE array_id = ? AND idx >= ? AND idx < ? ORDER BY idx`),
		rowID, offset, offset+length)
	if err != nil {
		return core.Array{}, err
	}
	defer func() { _ = rows.Close() }()
	a := core.Array{DType: dt, Data: make([]byte, length*dt.Size())}
	i := 0
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return core.Array{}, err
		}
		if i >= length {
			return core.Array{}, fmt.Errorf("array %d: more rows than recorded length", rowID)
		}
		a.PutBits(i, raw)
		i++
	}
	if err := rows.Err(); err != nil {
		return core.Array{}, err
	}
	if i != length {
		return core.Array{}, fmt.Errorf("array %d: %d rows, want %d", rowID, i, length)
	}
	return a, nil
}

// Remove deletes the array row and its values.
func (b *Backend) Remove(ctx context.Context, h core.Handle) (retErr error) {
	rowID, _, _, err := b.lookup(ctx, h)
	if err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM time_series_values WHERE array_id = ?`), rowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.q(`DELETE FROM time_series_arrays WHERE id = ?`), rowID); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns every array id of this instance in ascending order.
func (b *Backend) List(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := b.db.QueryContext(ctx, b.q(`SELECT uuid FROM time_series_arrays WHERE instance = ? ORDER BY uuid`), b.instance)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("bad uuid %q in table: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Export writes a SQLite database at dir/FileName holding every array.
// A SQLite backend already living there is left as is.
func (b *Backend) Export(ctx context.Context, dir string) error {
	target := filepath.Join(dir, FileName)
	if b.dialect.ownsFile && b.instance == DefaultInstance && sameFile(b.dsn, target) {
		return nil
	}
	dst, err := Open(ctx, DriverSQLite, target)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()
	ids, err := b.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		h := core.Handle{Kind: core.KindTable, Key: id.String()}
		a, err := b.Retrieve(ctx, h)
		if err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
		if _, err := dst.Store(ctx, id, a); err != nil {
			return fmt.Errorf("export %s: %w", id, err)
		}
	}
	return nil
}

// Destroy removes the rows of this instance. A SQLite backend holding the
// default instance deletes its database file instead.
func (b *Backend) Destroy(ctx context.Context) (retErr error) {
	if b.dialect.ownsFile && b.instance == DefaultInstance {
		_ = b.Close()
		if b.owned {
			return os.RemoveAll(filepath.Dir(b.dsn))
		}
		if err := os.Remove(b.dsn); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range []string{
		`DELETE FROM time_series_values WHERE array_id IN (SELECT id FROM time_series_arrays WHERE instance = ?)`,
		`DELETE FROM time_series_arrays WHERE instance = ?`,
	} {
		if _, err := tx.ExecContext(ctx, b.q(stmt), b.instance); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database handle.
func (b *Backend) Close() error { return b.db.Close() }

func sameFile(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

var (
	_ core.Backend     = (*Backend)(nil)
	_ core.RangeReader = (*Backend)(nil)
)
