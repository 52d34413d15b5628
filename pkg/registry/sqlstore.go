package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Migration is one schema change of the SQL store
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the SQL store schema migrations in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create plugin_records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plugin_records (
					name VARCHAR(255) PRIMARY KEY,
					version VARCHAR(64) NOT NULL,
					plugin_type VARCHAR(32) NOT NULL,
					state VARCHAR(32) NOT NULL,
					enabled BOOLEAN NOT NULL DEFAULT FALSE,
					install_path TEXT NOT NULL,
					manifest TEXT NOT NULL,
					report TEXT,
					instance_id VARCHAR(64) NOT NULL,
					last_error TEXT,
					source TEXT,
					installed_at TIMESTAMP NOT NULL,
					validated_at TIMESTAMP,
					updated_at TIMESTAMP NOT NULL
				)
			`,
		},
		{
			Version:     2,
			Description: "Index plugin_records by state",
			SQL:         `CREATE INDEX IF NOT EXISTS idx_plugin_records_state ON plugin_records(state)`,
		},
	}
}

// SQLStore persists records in a SQL database. Each write runs in its own
// transaction.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *logrus.Logger
}

// OpenSQLStore opens a database and migrates it
func OpenSQLStore(ctx context.Context, driver, dsn string, logger *logrus.Logger) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s registry: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s registry: %w", driver, err)
	}
	store, err := NewSQLStore(ctx, db, driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore wraps an open database and applies pending migrations
func NewSQLStore(ctx context.Context, db *sql.DB, driver string, logger *logrus.Logger) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported registry driver %q", driver)
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &SQLStore{db: db, driver: driver, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// rebind rewrites ? placeholders into the driver's syntax.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS hangar_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT version FROM hangar_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}
		s.logger.Infof("Running registry migration %d: %s", m.Version, m.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO hangar_migrations (version, description, applied_at) VALUES (?, ?, ?)"),
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

const selectRecords = `SELECT name, state, enabled, install_path, manifest, report, instance_id,
	last_error, source, installed_at, validated_at, updated_at FROM plugin_records`

// Load reads every record
func (s *SQLStore) Load(ctx context.Context) (map[string]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Record)
	for rows.Next() {
		var (
			name, state, installPath, manifestJSON, instanceID string
			report, lastError, source                          sql.NullString
			enabled                                            bool
			installedAt, updatedAt                             time.Time
			validatedAt                                        sql.NullTime
		)
		if err := rows.Scan(&name, &state, &enabled, &installPath, &manifestJSON, &report,
			&instanceID, &lastError, &source, &installedAt, &validatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		rec := &Record{
			InstallPath: installPath,
			Enabled:     enabled,
			InstanceID:  instanceID,
			LastError:   lastError.String,
			Source:      source.String,
			InstalledAt: installedAt,
			UpdatedAt:   updatedAt,
		}
		if validatedAt.Valid {
			rec.ValidatedAt = validatedAt.Time
		}
		if rec.State, err = plugins.ParseState(state); err != nil {
			return nil, fmt.Errorf("record %s: %w", name, err)
		}
		if err := json.Unmarshal([]byte(manifestJSON), &rec.Manifest); err != nil {
			return nil, fmt.Errorf("record %s has a corrupt manifest: %w", name, err)
		}
		if report.Valid && report.String != "" {
			if err := json.Unmarshal([]byte(report.String), &rec.Report); err != nil {
				return nil, fmt.Errorf("record %s has a corrupt report: %w", name, err)
			}
		}
		out[name] = rec
	}
	return out, rows.Err()
}

const upsertRecord = `INSERT INTO plugin_records (name, version, plugin_type, state, enabled,
	install_path, manifest, report, instance_id, last_error, source, installed_at, validated_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		version = excluded.version,
		plugin_type = excluded.plugin_type,
		state = excluded.state,
		enabled = excluded.enabled,
		install_path = excluded.install_path,
		manifest = excluded.manifest,
		report = excluded.report,
		instance_id = excluded.instance_id,
		last_error = excluded.last_error,
		source = excluded.source,
		installed_at = excluded.installed_at,
		validated_at = excluded.validated_at,
		updated_at = excluded.updated_at`

// Save upserts a record
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	manifestJSON, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	var report sql.NullString
	if rec.Report != nil {
		data, err := json.Marshal(rec.Report)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		report = sql.NullString{String: string(data), Valid: true}
	}
	var validatedAt sql.NullTime
	if !rec.ValidatedAt.IsZero() {
		validatedAt = sql.NullTime{Time: rec.ValidatedAt.UTC(), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(upsertRecord),
		rec.Name(), rec.Version(), string(rec.Manifest.PluginType), rec.State.String(), rec.Enabled,
		rec.InstallPath, string(manifestJSON), report, rec.InstanceID,
		nullString(rec.LastError), nullString(rec.Source),
		rec.InstalledAt.UTC(), validatedAt, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to save record %s: %w", rec.Name(), err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit record %s: %w", rec.Name(), err)
	}
	return nil
}

// Delete removes a record
func (s *SQLStore) Delete(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM plugin_records WHERE name = ?"), name); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete record %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete of %s: %w", name, err)
	}
	return nil
}

// DB returns the underlying database handle
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
