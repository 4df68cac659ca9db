// Package mediastore provides the default ports.MediaStore implementation:
// it downloads remote media over plain HTTP and caches it under a
// content-addressed path (sha256 of the URL, keeping the source extension),
// so downloading the same URL twice is a no-op on the second call.
package mediastore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/nepenth/kb-pipeline/internal/ports"
)

// Config controls the default media cache.
type Config struct {
	Dir     string        // local cache directory; created if missing
	Timeout time.Duration // default 180s, per spec §5 media fetch timeout
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "media_cache"
	}
	if c.Timeout <= 0 {
		c.Timeout = 180 * time.Second
	}
	return c
}

// Store is the default MediaStore adapter.
type Store struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mediastore: create cache dir %s: %w", cfg.Dir, err)
	}
	return &Store{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

var _ ports.MediaStore = (*Store)(nil)

// cachePath returns the deterministic local path a URL maps to, without
// touching the filesystem.
func (s *Store) cachePath(url string) string {
	sum := sha256.Sum256([]byte(url))
	name := hex.EncodeToString(sum[:])
	if ext := path.Ext(url); ext != "" && len(ext) <= 8 {
		name += ext
	}
	return filepath.Join(s.cfg.Dir, name)
}

// Download fetches url into the cache, returning the existing local path
// unchanged if it was already downloaded.
func (s *Store) Download(ctx context.Context, url string) (string, error) {
	localPath := s.cachePath(url)
	if _, err := os.Stat(localPath); err == nil {
		return localPath, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("mediastore: build request for %s: %w", url, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediastore: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mediastore: download %s: status %d", url, resp.StatusCode)
	}

	tmp := localPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("mediastore: create temp file for %s: %w", url, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("mediastore: write %s: %w", url, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("mediastore: close %s: %w", url, err)
	}
	// Atomic rename so a concurrent Download of the same URL never observes
	// a partially-written file at localPath.
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("mediastore: finalize %s: %w", url, err)
	}
	return localPath, nil
}
