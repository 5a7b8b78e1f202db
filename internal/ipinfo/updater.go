// Package ipinfo downloads the ipinfo.io dataset snapshots the pipeline
// derives its lists from.
package ipinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"cidrforge/internal/config"
	"cidrforge/internal/dataset"
)

const userAgent = "cidrforge-fetcher/1.0"

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// ErrNoToken indicates that the ipinfo.io API token has not been configured.
var ErrNoToken = errors.New("ipinfo: IPINFO_TOKEN is not configured")

type downloadTarget struct {
	url      string
	filename string
}

// Download fetches both datasets, decompresses them, and installs them into
// cfg.Dir. The downloads run concurrently; the first failure cancels the
// other and is returned. A partially downloaded file never replaces an
// installed one.
func Download(ctx context.Context, cfg config.DatasetsConfig, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrNoToken
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("ensure dataset dir: %w", err)
	}

	targets := []downloadTarget{
		{url: cfg.CountryASNURL, filename: dataset.CountryASNFileName},
		{url: cfg.ASNURL, filename: dataset.ASNFileName},
	}

	maxBytes := int64(cfg.MaxDownloadMB) << 20

	group, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		group.Go(func() error {
			return downloadDataset(ctx, token, target, cfg.Dir, maxBytes)
		})
	}
	return group.Wait()
}

func downloadDataset(ctx context.Context, token string, target downloadTarget, dir string, maxBytes int64) error {
	started := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", target.filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", target.filename, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// The cap applies to the compressed stream; a truncated body surfaces as
	// a gzip error instead of a silently short file.
	gzipReader, err := gzip.NewReader(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", target.filename, err)
	}
	defer gzipReader.Close()

	destPath := filepath.Join(dir, target.filename)
	size, err := writeToFile(destPath, gzipReader)
	if err != nil {
		return fmt.Errorf("%s: write file: %w", target.filename, err)
	}

	log.Info("Dataset installed", "file", target.filename, "bytes", size, "elapsed", time.Since(started).Round(time.Millisecond))
	return nil
}

func writeToFile(destPath string, data io.Reader) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "dataset-*.csv")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	size, err := io.Copy(tmpFile, data)
	if err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return 0, fmt.Errorf("replace file: %w", err)
	}

	return size, nil
}
