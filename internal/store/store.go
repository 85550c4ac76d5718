// Package store is the persistence layer: the practice tables plugins may
// query through the gatekeeper, the plugin descriptor registry, and the
// warning log backing the override service's non-blocking failure reports.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tunelab/tunelab/internal/tlerr"
)

// Supported driver names for Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Plugin kinds.
const (
	KindImportParser = "import_parser"
	KindScheduler    = "scheduler"
)

// Plugin is a stored plugin descriptor. Capability flags decide which bridges
// an invocation gets; a disabled plugin is never invoked and is excluded from
// the integrity root.
type Plugin struct {
	ID         string
	Name       string
	Kind       string
	Script     string
	AllowQuery bool
	AllowFetch bool
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Warning is one recorded plugin failure.
type Warning struct {
	ID         string
	PluginID   string
	PluginName string
	Message    string
	CreatedAt  time.Time
}

// Store wraps one SQL database. Safe for concurrent use; database/sql pools
// connections underneath.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects, verifies the connection, and bootstraps the schema.
// driver is "sqlite" (modernc, use ":memory:" for an ephemeral database) or
// "postgres" (lib/pq DSN). The caller must blank-import the matching driver.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, tlerr.Newf(tlerr.ErrStoreOpen, "unsupported driver %q", driver).
			WithHelp(fmt.Sprintf("use %q or %q", DriverSQLite, DriverPostgres))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreOpen, err, "failed to open database").
			With("driver", driver)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, tlerr.Wrap(tlerr.ErrStoreOpen, err, "failed to connect to database").
			With("driver", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// initSchema creates the tables if they don't exist. The DDL sticks to the
// TEXT/INTEGER/REAL subset both drivers accept verbatim.
func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tune (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL,
			tune_type  TEXT NOT NULL DEFAULT '',
			key_sig    TEXT NOT NULL DEFAULT '',
			abc        TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS practice_record (
			id             TEXT PRIMARY KEY,
			tune_id        TEXT NOT NULL,
			rating         INTEGER NOT NULL,
			reviewed_at    TEXT NOT NULL,
			due            TEXT NOT NULL,
			last_review    TEXT NOT NULL,
			state          INTEGER NOT NULL,
			stability      REAL NOT NULL,
			difficulty     REAL NOT NULL,
			elapsed_days   INTEGER NOT NULL,
			scheduled_days INTEGER NOT NULL,
			reps           INTEGER NOT NULL,
			lapses         INTEGER NOT NULL,
			item_interval  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS playlist (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS playlist_tune (
			playlist_id TEXT NOT NULL,
			tune_id     TEXT NOT NULL,
			position    INTEGER NOT NULL,
			PRIMARY KEY (playlist_id, tune_id)
		);

		CREATE TABLE IF NOT EXISTS plugin (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			kind        TEXT NOT NULL,
			script      TEXT NOT NULL,
			allow_query INTEGER NOT NULL DEFAULT 0,
			allow_fetch INTEGER NOT NULL DEFAULT 0,
			enabled     INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS plugin_warning (
			id          TEXT PRIMARY KEY,
			plugin_id   TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			message     TEXT NOT NULL,
			created_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS integrity_root (
			id         INTEGER PRIMARY KEY,
			root       TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return tlerr.Wrap(tlerr.ErrStoreOpen, err, "failed to initialize schema")
		}
	}
	return nil
}

// rebind rewrites ? placeholders for postgres. Internal statements never put
// ? inside a literal, so a flat scan is enough.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Execute runs one read statement and returns generic rows, the shape the
// value marshaller carries across the sandbox boundary. Byte slices become
// strings so scripts never see raw buffers.
func (s *Store) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "query failed").WithSQL(query)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to read result columns")
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to scan row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "row iteration failed")
	}
	return out, nil
}

// Exec runs one write statement with ? placeholders.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return tlerr.Wrap(tlerr.ErrStoreExec, err, "statement failed").WithSQL(query)
	}
	return nil
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return v
	}
}

// SavePlugin inserts or updates a descriptor. A missing id gets a fresh uuid;
// timestamps are maintained here.
func (s *Store) SavePlugin(ctx context.Context, p *Plugin) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if p.ID == "" {
		p.ID = uuid.NewString()
		p.CreatedAt, _ = time.Parse(time.RFC3339, now)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, now)

	existing, err := s.GetPlugin(ctx, p.ID)
	if err != nil && !tlerr.Is(err, tlerr.ErrPluginNotFound) {
		return err
	}

	if existing == nil {
		return s.Exec(ctx, `
			INSERT INTO plugin (id, name, kind, script, allow_query, allow_fetch, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Kind, p.Script,
			boolInt(p.AllowQuery), boolInt(p.AllowFetch), boolInt(p.Enabled),
			now, now)
	}
	return s.Exec(ctx, `
		UPDATE plugin
		SET name = ?, kind = ?, script = ?, allow_query = ?, allow_fetch = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		p.Name, p.Kind, p.Script,
		boolInt(p.AllowQuery), boolInt(p.AllowFetch), boolInt(p.Enabled),
		now, p.ID)
}

// GetPlugin fetches one descriptor by id.
func (s *Store) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	return s.onePlugin(ctx, `WHERE id = ?`, id)
}

// GetPluginByName fetches one descriptor by its unique name.
func (s *Store) GetPluginByName(ctx context.Context, name string) (*Plugin, error) {
	return s.onePlugin(ctx, `WHERE name = ?`, name)
}

func (s *Store) onePlugin(ctx context.Context, where string, arg any) (*Plugin, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, kind, script, allow_query, allow_fetch, enabled, created_at, updated_at
		 FROM plugin `+where), arg)
	p, err := scanPlugin(row.Scan)
	if err == sql.ErrNoRows {
		return nil, tlerr.Newf(tlerr.ErrPluginNotFound, "plugin %v is not installed", arg)
	}
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to load plugin")
	}
	return p, nil
}

// ListPlugins returns descriptors ordered by name. onlyEnabled filters to
// enabled plugins, the set the integrity root covers.
func (s *Store) ListPlugins(ctx context.Context, onlyEnabled bool) ([]*Plugin, error) {
	query := `SELECT id, name, kind, script, allow_query, allow_fetch, enabled, created_at, updated_at
		 FROM plugin`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to list plugins")
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		p, err := scanPlugin(rows.Scan)
		if err != nil {
			return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to scan plugin")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "plugin iteration failed")
	}
	return out, nil
}

// SetPluginEnabled toggles a descriptor.
func (s *Store) SetPluginEnabled(ctx context.Context, id string, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	return s.Exec(ctx, `UPDATE plugin SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), now, id)
}

// DeletePlugin removes a descriptor and its warnings.
func (s *Store) DeletePlugin(ctx context.Context, id string) error {
	if err := s.Exec(ctx, `DELETE FROM plugin_warning WHERE plugin_id = ?`, id); err != nil {
		return err
	}
	return s.Exec(ctx, `DELETE FROM plugin WHERE id = ?`, id)
}

func scanPlugin(scan func(...any) error) (*Plugin, error) {
	var p Plugin
	var allowQuery, allowFetch, enabled int
	var createdAt, updatedAt string
	if err := scan(&p.ID, &p.Name, &p.Kind, &p.Script,
		&allowQuery, &allowFetch, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.AllowQuery = allowQuery != 0
	p.AllowFetch = allowFetch != 0
	p.Enabled = enabled != 0
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// RecordWarning persists one plugin failure. Implements the override
// service's warning sink.
func (s *Store) RecordWarning(ctx context.Context, pluginID, pluginName, message string) error {
	return s.Exec(ctx, `
		INSERT INTO plugin_warning (id, plugin_id, plugin_name, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), pluginID, pluginName, message,
		time.Now().UTC().Format(time.RFC3339))
}

// Warnings returns recorded failures, newest first. pluginID filters to one
// plugin when non-empty.
func (s *Store) Warnings(ctx context.Context, pluginID string) ([]Warning, error) {
	query := `SELECT id, plugin_id, plugin_name, message, created_at FROM plugin_warning`
	args := []any{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to list warnings")
	}
	defer rows.Close()

	var out []Warning
	for rows.Next() {
		var w Warning
		var createdAt string
		if err := rows.Scan(&w.ID, &w.PluginID, &w.PluginName, &w.Message, &createdAt); err != nil {
			return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to scan warning")
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, tlerr.Wrap(tlerr.ErrStoreExec, err, "warning iteration failed")
	}
	return out, nil
}

// SaveIntegrityRoot stores the current merkle root over enabled plugins.
func (s *Store) SaveIntegrityRoot(ctx context.Context, root string) error {
	if err := s.Exec(ctx, `DELETE FROM integrity_root`); err != nil {
		return err
	}
	return s.Exec(ctx, `INSERT INTO integrity_root (id, root, created_at) VALUES (1, ?, ?)`,
		root, time.Now().UTC().Format(time.RFC3339))
}

// IntegrityRoot returns the stored root, or "" when none has been saved.
func (s *Store) IntegrityRoot(ctx context.Context) (string, error) {
	var root string
	err := s.db.QueryRowContext(ctx, `SELECT root FROM integrity_root WHERE id = 1`).Scan(&root)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", tlerr.Wrap(tlerr.ErrStoreExec, err, "failed to load integrity root")
	}
	return root, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
