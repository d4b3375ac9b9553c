package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := getSchemaVersion(db.conn.DB)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(), version)
}

func TestMigrateStoreWithExistingRelations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relations.db")

	// A store that holds staging data but no bookkeeping schema yet.
	raw, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE staging_ratings (userId INTEGER, movieId INTEGER, rating REAL, timestamp INTEGER);
		INSERT INTO staging_ratings VALUES (1, 1, 4.0, 1000);`)
	require.NoError(t, err)
	raw.Close()

	db, err := Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	version, err := getSchemaVersion(db.conn.DB)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(), version)

	for _, rel := range []string{"run_reports", "validation_results"} {
		exists, err := db.RelationExists(t.Context(), rel)
		require.NoError(t, err)
		assert.True(t, exists, rel)
	}

	n, err := db.CountRows(t.Context(), StagingRatings)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "existing relations are left alone")
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	require.NoError(t, err)
	db1.Close()

	db2, err := Open(dbPath)
	require.NoError(t, err)
	defer db2.Close()

	version, err := getSchemaVersion(db2.conn.DB)
	require.NoError(t, err)
	assert.Equal(t, latestVersion(), version)
}

func TestGetSchemaVersionNewDB(t *testing.T) {
	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer conn.Close()

	version, err := getSchemaVersion(conn)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}
