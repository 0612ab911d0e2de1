package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Job represents a download job.
type Job struct {
	URL      string
	DestPath string
	Label    string // e.g. "conda-installer", "compat-table"
	SHA256   string // optional hex digest; verified before the file is kept
}

// Result represents a download result.
type Result struct {
	Job   Job
	Error error
}

// Downloader handles parallel HTTP downloads into a cache directory.
type Downloader struct {
	workers  int
	cacheDir string
	client   *http.Client
}

// NewDownloader creates a new downloader with the specified number of workers.
func NewDownloader(workers int, cacheDir string) *Downloader {
	if workers < 1 {
		workers = 1
	}
	return &Downloader{
		workers:  workers,
		cacheDir: cacheDir,
		client:   &http.Client{},
	}
}

// Download fetches jobs in parallel. Results come back in job order.
func (d *Downloader) Download(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		for i, job := range jobs {
			results[i] = Result{Job: job, Error: err}
		}
		return results
	}

	indexes := make(chan int, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indexes {
				job := jobs[idx]
				results[idx] = Result{Job: job, Error: d.downloadOne(ctx, job)}
			}
		}()
	}

	for i := range jobs {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	return results
}

func (d *Downloader) downloadOne(ctx context.Context, job Job) error {
	// Check if already cached
	if _, err := os.Stat(job.DestPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(job.DestPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", job.URL, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", job.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", job.URL, resp.StatusCode)
	}

	// Write to temp file first, then rename
	tmpPath := job.DestPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}

	hash := sha256.New()
	_, err = io.Copy(io.MultiWriter(out, hash), resp.Body)
	out.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing file: %w", err)
	}

	if job.SHA256 != "" {
		got := hex.EncodeToString(hash.Sum(nil))
		if !strings.EqualFold(got, job.SHA256) {
			os.Remove(tmpPath)
			return fmt.Errorf("checksum mismatch for %s: got %s, want %s", job.URL, got, job.SHA256)
		}
	}

	if err := os.Rename(tmpPath, job.DestPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming file: %w", err)
	}

	return nil
}

// CacheDir returns the cache directory.
func (d *Downloader) CacheDir() string {
	return d.cacheDir
}

// CachePath returns the cache path for a file name.
func (d *Downloader) CachePath(name string) string {
	return filepath.Join(d.cacheDir, name)
}
