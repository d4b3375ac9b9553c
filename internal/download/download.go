// Package download fetches the dataset archive and unpacks it.
package download

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Downloader fetches remote archives over HTTP.
type Downloader struct {
	client *http.Client
	logger *zap.Logger
}

// NewDownloader creates a new downloader. A zero timeout means 30 minutes,
// enough for the full ratings archive on a slow link.
func NewDownloader(timeout time.Duration, logger *zap.Logger) *Downloader {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Downloader{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		logger: logger,
	}
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// DownloadFile saves url to dest. An existing dest is kept and reported as
// skipped. The body is streamed to a temp file beside dest and renamed into
// place only once complete.
func (d *Downloader) DownloadFile(ctx context.Context, url, dest string) (skipped bool, err error) {
	if _, err := os.Stat(dest); err == nil {
		d.logger.Info("archive already present, skipping download", zap.String("path", dest))
		return true, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("creating download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", "movielens-etl/1.0")

	d.logger.Info("downloading archive", zap.String("url", url))
	resp, err := d.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("fetching %s: %w", url, &StatusError{Code: resp.StatusCode})
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+"-*")
	if err != nil {
		return false, err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		return false, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return false, fmt.Errorf("saving %s: %w", dest, err)
	}

	d.logger.Info("download complete", zap.String("path", dest), zap.Int64("bytes", n))
	return false, nil
}

// Unzip extracts every entry of zipPath under destDir and returns the number
// of files written. A missing archive is logged and skipped. Entries that
// would land outside destDir are rejected.
func Unzip(zipPath, destDir string, logger *zap.Logger) (int, error) {
	if _, err := os.Stat(zipPath); errors.Is(err, os.ErrNotExist) {
		logger.Error("archive not found, skipping extraction", zap.String("path", zipPath))
		return 0, nil
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", zipPath, err)
	}
	defer zr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return 0, err
	}

	files := 0
	for _, entry := range zr.File {
		target := filepath.Join(root, entry.Name)
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return files, fmt.Errorf("illegal path in archive: %s", entry.Name)
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return files, err
			}
			continue
		}

		if err := extractFile(entry, target); err != nil {
			return files, fmt.Errorf("extracting %s: %w", entry.Name, err)
		}
		files++
	}

	logger.Info("archive extracted", zap.String("path", zipPath), zap.String("dest", destDir), zap.Int("files", files))
	return files, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
