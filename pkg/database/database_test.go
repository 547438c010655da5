package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(Config{Path: filepath.Join(t.TempDir(), "nested", "fiscal.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	require.NoError(t, err)
	return n == 1
}

func TestRunEmbedded(t *testing.T) {
	db := openTestDB(t)
	m := NewMigrator(db, zap.NewNop())

	ctx := context.Background()

	applied, err := m.RunEmbedded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.True(t, tableExists(t, db, "fiscal_receipts"))
	assert.True(t, tableExists(t, db, "invoice_runs"))

	// re-running is a no-op
	applied, err = m.RunEmbedded(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	version, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002_second.sql"),
		[]byte(`ALTER TABLE widgets ADD COLUMN colour TEXT;`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_first.sql"),
		[]byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY);`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644))

	db := openTestDB(t)
	_, err := NewMigrator(db, zap.NewNop()).RunDir(context.Background(), dir)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO widgets (id, colour) VALUES (1, 'red')`)
	assert.NoError(t, err)

	var name string
	require.NoError(t, db.QueryRow(`SELECT name FROM schema_migrations WHERE version = 2`).Scan(&name))
	assert.Equal(t, "second", name)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		files []string
	}{
		{"no version prefix", []string{"initial.sql"}},
		{"zero version", []string{"000_base.sql"}},
		{"duplicate version", []string{"001_a.sql", "01_b.sql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte(`SELECT 1;`), 0644))
			}

			_, err := LoadMigrations(os.DirFS(dir))
			assert.Error(t, err)
		})
	}
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestNew_Memory(t *testing.T) {
	db, err := New(Config{Path: MemoryPath, MaxOpenConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer db.Close()

	_, err = NewMigrator(db, zap.NewNop()).RunEmbedded(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, MemoryPath, db.Path())
}

func TestWithTransaction_RollsBack(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO items (id) VALUES (1)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n))
	assert.Zero(t, n)
}
