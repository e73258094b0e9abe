package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type dialect struct {
	name       string
	sqlDriver  string
	schema     []string
	numbered   bool // $1, $2 placeholders instead of ?
	ownsFile   bool
	defaultDSN string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name:      DriverSQLite,
		sqlDriver: "sqlite",
		ownsFile:  true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS time_series_arrays (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				instance TEXT NOT NULL,
				uuid TEXT NOT NULL,
				dtype TEXT NOT NULL,
				length INTEGER NOT NULL,
				UNIQUE (instance, uuid)
			)`,
			`CREATE TABLE IF NOT EXISTS time_series_values (
				array_id INTEGER NOT NULL,
				idx INTEGER NOT NULL,
				value REAL,
				raw INTEGER NOT NULL,
				PRIMARY KEY (array_id, idx)
			)`,
		},
	},
	DriverPostgres: {
		name:       DriverPostgres,
		sqlDriver:  "pgx",
		numbered:   true,
		defaultDSN: "postgres://localhost/infrasys?sslmode=disable",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS time_series_arrays (
				id BIGSERIAL PRIMARY KEY,
				instance TEXT NOT NULL,
				uuid TEXT NOT NULL,
				dtype TEXT NOT NULL,
				length BIGINT NOT NULL,
				UNIQUE (instance, uuid)
			)`,
			`CREATE TABLE IF NOT EXISTS time_series_values (
				array_id BIGINT NOT NULL REFERENCES time_series_arrays(id) ON DELETE CASCADE,
				idx BIGINT NOT NULL,
				value DOUBLE PRECISION,
				raw BIGINT NOT NULL,
				PRIMARY KEY (array_id, idx)
			)`,
		},
	},
}

func lookupDialect(driver string) (dialect, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unknown table driver %q", driver)
	}
	return d, nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
