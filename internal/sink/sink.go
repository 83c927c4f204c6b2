// Package sink persists fetched tables. The SQLite sink replaces each
// table wholesale: a refresh drops and recreates the table inside one
// transaction, so readers either see the old snapshot or the new one.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/AT020993/knesset-refactor-sub000/internal/odata"
)

// Sink receives the rows of one fully fetched table.
type Sink interface {
	Store(ctx context.Context, table string, rows []odata.Record) error
	Close() error
}

// Appender receives cursor-mode chunks as they arrive, so fetched rows
// are durable before the checkpoint advances past them.
type Appender interface {
	Reset(ctx context.Context, table string) error
	Append(ctx context.Context, table, pkField string, rows []odata.Record) error
}

// SQLite stores tables in a local SQLite database, one database table
// per source table, plus bookkeeping for runs.
type SQLite struct {
	db *sql.DB
}

// Run is one recorded refresh run.
type Run struct {
	ID        string
	StartedAt string
	Status    string
	Tables    int
}

// TableInfo is the bookkeeping row for one stored table.
type TableInfo struct {
	Name      string
	Rows      int64
	UpdatedAt string
}

// New opens (or creates) the database under dataDir.
func New(dataDir string) (*SQLite, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "knesset.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ingest_runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		tables INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ingest_tables (
		name TEXT PRIMARY KEY,
		row_count INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// BeginRun records the start of a refresh run.
func (s *SQLite) BeginRun(id string, tables int) error {
	_, err := s.db.Exec(`
		INSERT INTO ingest_runs (id, started_at, status, tables)
		VALUES (?, datetime('now'), 'running', ?)
	`, id, tables)
	return err
}

// CompleteRun marks a run finished with the given status.
func (s *SQLite) CompleteRun(id, status string) error {
	_, err := s.db.Exec(`
		UPDATE ingest_runs SET status = ?, completed_at = datetime('now')
		WHERE id = ?
	`, status, id)
	return err
}

// Tables returns the bookkeeping rows for all stored tables.
func (s *SQLite) Tables() ([]TableInfo, error) {
	rows, err := s.db.Query(`
		SELECT name, row_count, updated_at FROM ingest_tables ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []TableInfo
	for rows.Next() {
		var info TableInfo
		if err := rows.Scan(&info.Name, &info.Rows, &info.UpdatedAt); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Store replaces the table's contents with rows. An empty batch drops
// the table. Column set and types are derived from the batch itself;
// nested values are stored as JSON text.
func (s *SQLite) Store(ctx context.Context, table string, rows []odata.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return fmt.Errorf("dropping %s: %w", table, err)
	}

	if len(rows) > 0 {
		columns := columnSet(rows)
		if err := createTable(ctx, tx, table, "", columns, rows); err != nil {
			return err
		}
		if err := insertRows(ctx, tx, table, columns, rows); err != nil {
			return err
		}
	}

	if err := recordCount(ctx, tx, table, int64(len(rows))); err != nil {
		return err
	}
	return tx.Commit()
}

// Reset drops the table and zeroes its bookkeeping. Called before the
// first chunk of a from-scratch cursor fetch.
func (s *SQLite) Reset(ctx context.Context, table string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(table))); err != nil {
		return fmt.Errorf("dropping %s: %w", table, err)
	}
	if err := recordCount(ctx, tx, table, 0); err != nil {
		return err
	}
	return tx.Commit()
}

// Append inserts one cursor chunk, creating the table on first use with
// pkField as primary key. Inserts go through INSERT OR REPLACE, so a
// chunk re-fetched after a crash lands on the same keys instead of
// duplicating rows.
func (s *SQLite) Append(ctx context.Context, table, pkField string, rows []odata.Record) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := existingColumns(ctx, tx, table)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", table, err)
	}

	columns := columnSet(rows)
	if existing == nil {
		if err := createTable(ctx, tx, table, pkField, columns, rows); err != nil {
			return err
		}
	} else {
		for _, col := range columns {
			if existing[col] {
				continue
			}
			ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`,
				quoteIdent(table), quoteIdent(col), columnType(rows, col))
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("extending %s: %w", table, err)
			}
		}
	}

	if err := insertRows(ctx, tx, table, columns, rows); err != nil {
		return err
	}

	// Replaced keys make a plain increment wrong; count what is there.
	var total int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(table))).Scan(&total); err != nil {
		return fmt.Errorf("counting %s: %w", table, err)
	}
	if err := recordCount(ctx, tx, table, total); err != nil {
		return err
	}
	return tx.Commit()
}

func recordCount(ctx context.Context, tx *sql.Tx, table string, n int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_tables (name, row_count, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(name) DO UPDATE SET
			row_count = excluded.row_count,
			updated_at = excluded.updated_at
	`, table, n); err != nil {
		return fmt.Errorf("recording %s: %w", table, err)
	}
	return nil
}

// existingColumns returns the table's column names, or nil if the table
// does not exist.
func existingColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols map[string]bool
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		if cols == nil {
			cols = make(map[string]bool)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// RowCount returns the number of rows stored for a table, 0 if absent.
func (s *SQLite) RowCount(table string) (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT row_count FROM ingest_tables WHERE name = ?`, table).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// columnSet returns the sorted union of field names across the batch.
func columnSet(rows []odata.Record) []string {
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			seen[k] = true
		}
	}
	columns := make([]string, 0, len(seen))
	for k := range seen {
		columns = append(columns, k)
	}
	sort.Strings(columns)
	return columns
}

func createTable(ctx context.Context, tx *sql.Tx, table, pkField string, columns []string, rows []odata.Record) error {
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = quoteIdent(col) + " " + columnType(rows, col)
		if pkField != "" && col == pkField {
			defs[i] += " PRIMARY KEY"
		}
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(table), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating %s: %w", table, err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows []odata.Record) error {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoted, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("preparing insert for %s: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			args[i] = sqlValue(row[col])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("inserting into %s: %w", table, err)
		}
	}
	return nil
}

// columnType picks the SQLite affinity from the first non-nil value.
func columnType(rows []odata.Record, col string) string {
	for _, row := range rows {
		switch v := row[col].(type) {
		case nil:
			continue
		case bool:
			return "INTEGER"
		case float64:
			if v == math.Trunc(v) {
				return "INTEGER"
			}
			return "REAL"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

// sqlValue converts a decoded JSON value to a database/sql argument.
func sqlValue(v any) any {
	switch n := v.(type) {
	case nil:
		return nil
	case bool:
		if n {
			return 1
		}
		return 0
	case float64:
		if n == math.Trunc(n) {
			return int64(n)
		}
		return n
	case string:
		return n
	default:
		// Nested objects and arrays are stored as their JSON text.
		b, err := json.Marshal(n)
		if err != nil {
			return fmt.Sprintf("%v", n)
		}
		return string(b)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}
