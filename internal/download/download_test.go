package download

import (
	"archive/zip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloadFile(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("archive-bytes"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "raw", "ml.zip")
	d := NewDownloader(0, zap.NewNop())

	skipped, err := d.DownloadFile(t.Context(), srv.URL, dest)
	require.NoError(t, err)
	assert.False(t, skipped)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive-bytes", string(data))

	skipped, err = d.DownloadFile(t.Context(), srv.URL, dest)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadFileHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "ml.zip")
	_, err := NewDownloader(0, zap.NewNop()).DownloadFile(t.Context(), srv.URL, dest)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial file left behind")
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestUnzip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "ml.zip")
	writeZip(t, archive, map[string]string{
		"ml-32m/movies.csv":  "movieId,title,genres\n",
		"ml-32m/ratings.csv": "userId,movieId,rating,timestamp\n",
	})

	dest := filepath.Join(dir, "out")
	n, err := Unzip(archive, dest, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dest, "ml-32m", "movies.csv"))
	require.NoError(t, err)
	assert.Equal(t, "movieId,title,genres\n", string(data))
}

func TestUnzipMissingArchive(t *testing.T) {
	n, err := Unzip(filepath.Join(t.TempDir(), "absent.zip"), t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnzipRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, map[string]string{"../escape.txt": "x"})

	_, err := Unzip(archive, filepath.Join(dir, "out"), zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal path")

	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
