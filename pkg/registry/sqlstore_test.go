package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), DriverSQLite, ":memory:", quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// TestSQLStore_SQLite tests the SQL store against an in-memory SQLite database
func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)

	validated := time.Now().UTC().Truncate(time.Second)
	rec := testRecord("alpha", "1.0.0", plugins.Dependency{Name: "base", Constraint: "^1.0.0"})
	rec.Enabled = true
	rec.State = plugins.StateActive
	rec.InstanceID = "instance-1"
	rec.InstalledAt = validated
	rec.UpdatedAt = validated
	rec.ValidatedAt = validated
	rec.Source = "/tmp/alpha"
	rec.Report = &plugins.ValidationReport{Plugin: "alpha", Findings: []plugins.Finding{
		{Severity: plugins.SeverityInfo, RuleID: "R1", Message: "ok"},
	}}
	require.NoError(t, store.Save(ctx, rec))

	beta := testRecord("beta", "0.1.0")
	beta.InstanceID = "instance-2"
	beta.InstalledAt = validated
	beta.UpdatedAt = validated
	require.NoError(t, store.Save(ctx, beta))

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records["alpha"]
	require.NotNil(t, got)
	assert.Equal(t, rec.Manifest, got.Manifest)
	assert.Equal(t, plugins.StateActive, got.State)
	assert.True(t, got.Enabled)
	assert.Equal(t, "/tmp/alpha", got.Source)
	assert.True(t, validated.Equal(got.ValidatedAt))
	assert.Equal(t, 1, got.Report.Count(plugins.SeverityInfo))

	assert.True(t, records["beta"].ValidatedAt.IsZero())
	assert.Nil(t, records["beta"].Report)

	// Upsert replaces.
	rec.State = plugins.StateFailed
	rec.LastError = "boom"
	require.NoError(t, store.Save(ctx, rec))
	records, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, plugins.StateFailed, records["alpha"].State)
	assert.Equal(t, "boom", records["alpha"].LastError)

	require.NoError(t, store.Delete(ctx, "alpha"))
	records, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// TestSQLStore_Registry tests the registry on top of SQLite
func TestSQLStore_Registry(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	reg, err := Open(ctx, store, quietLogger())
	require.NoError(t, err)

	require.NoError(t, reg.Upsert(ctx, testRecord("alpha", "1.0.0")))
	_, err = reg.SetState(ctx, "alpha", plugins.StateRegistered, nil)
	require.NoError(t, err)

	// The migrations are idempotent and the data is shared.
	again, err := NewSQLStore(ctx, store.DB(), DriverSQLite, quietLogger())
	require.NoError(t, err)
	reopened, err := Open(ctx, again, quietLogger())
	require.NoError(t, err)
	rec, err := reopened.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, plugins.StateRegistered, rec.State)
}

func TestSQLStore_Rebind(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	assert.Equal(t, "DELETE FROM t WHERE a = $1 AND b = $2", pg.rebind("DELETE FROM t WHERE a = ? AND b = ?"))
	lite := &SQLStore{driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS hangar_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM hangar_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1).AddRow(2))

	store, err := NewSQLStore(context.Background(), db, DriverPostgres, quietLogger())
	require.NoError(t, err)
	return store, mock
}

// TestSQLStore_SaveFailure tests that a failed upsert is rolled back
func TestSQLStore_SaveFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO plugin_records").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Save(context.Background(), testRecord("alpha", "1.0.0"))
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLStore_CommitFailure tests that commit errors are reported
func TestSQLStore_CommitFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM plugin_records").WithArgs("alpha").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.Delete(context.Background(), "alpha")
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLStore_MigrationFailure tests that a failed migration aborts startup
func TestSQLStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS hangar_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version FROM hangar_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plugin_records").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	_, err = NewSQLStore(context.Background(), db, DriverPostgres, quietLogger())
	assert.ErrorContains(t, err, "migration 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSQLStore_CorruptRow tests that undecodable rows are reported
func TestSQLStore_CorruptRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery("SELECT name, state").WillReturnRows(sqlmock.NewRows([]string{
		"name", "state", "enabled", "install_path", "manifest", "report", "instance_id",
		"last_error", "source", "installed_at", "validated_at", "updated_at",
	}).AddRow("alpha", "installed", false, "/p/alpha", "{not json", nil, "id", nil, nil, now, nil, now))

	_, err := store.Load(context.Background())
	assert.ErrorContains(t, err, "corrupt manifest")
}

func TestNewSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := NewSQLStore(context.Background(), nil, "mysql", nil)
	assert.Error(t, err)
}
