package compat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frederic-klein/envbuild/internal/downloader"
)

func TestDefault(t *testing.T) {
	table := Default()

	assert.Equal(t, "torch", table.Runtime)
	assert.Equal(t, []string{"torchtext", "torchvision"}, table.Companions())
	assert.Equal(t, "1.12.0", table.Rows[0]["torch"], "rows are sorted newest first")
}

func TestTable_Lookup(t *testing.T) {
	table := Default()

	tests := []struct {
		installed  string
		wantTorch  string
		wantVision string
		wantFound  bool
	}{
		{"1.10.2", "1.10.2", "0.11.3", true},
		{"1.10.1+cu113", "1.10.1", "0.11.2", true},
		{"1.10", "1.10.2", "0.11.3", true},
		{"1.10.3", "1.10.2", "0.11.3", true},
		{"1.9.0.dev20210504", "1.9.0", "0.10.0", true},
		{"1.8", "1.8.2", "0.9.1", true},
		{"0.4.1", "", "", false},
		{"nightly", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.installed, func(t *testing.T) {
			row, found := table.Lookup(tt.installed)
			require.Equal(t, tt.wantFound, found)
			if !found {
				return
			}
			assert.Equal(t, tt.wantTorch, row["torch"])
			assert.Equal(t, tt.wantVision, row["torchvision"])
		})
	}
}

func TestTable_Tracks(t *testing.T) {
	table := Default()

	assert.True(t, table.Tracks("torch"))
	assert.True(t, table.Tracks("TorchVision"))
	assert.True(t, table.Tracks("TORCHTEXT"))
	assert.False(t, table.Tracks("torchmetrics"))
	assert.False(t, table.Tracks("numpy"))
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"no runtime":      "versions:\n  - {torch: \"1.8.0\"}\n",
		"row without key": "runtime: torch\nversions:\n  - {torchvision: \"0.9.0\"}\n",
		"bad version":     "runtime: torch\nversions:\n  - {torch: \"latest\"}\n",
		"not yaml":        "runtime: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(content))
			assert.Error(t, err)
		})
	}
}

func TestLoader_Load(t *testing.T) {
	custom := "runtime: torch\nversions:\n  - {torch: \"2.0.1\", torchvision: \"0.15.2\", torchtext: \"\"}\n"

	t.Run("default", func(t *testing.T) {
		l := NewLoader(downloader.NewDownloader(1, t.TempDir()))
		table, err := l.Load(context.Background(), "")
		require.NoError(t, err)
		assert.Equal(t, "torch", table.Runtime)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "compat.yaml")
		require.NoError(t, os.WriteFile(path, []byte(custom), 0644))

		l := NewLoader(downloader.NewDownloader(1, t.TempDir()))
		table, err := l.Load(context.Background(), path)
		require.NoError(t, err)

		row, ok := table.Lookup("2.0")
		require.True(t, ok)
		assert.Equal(t, "", row["torchtext"])
	})

	t.Run("url is cached", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write([]byte(custom))
		}))
		defer server.Close()

		l := NewLoader(downloader.NewDownloader(1, t.TempDir()))
		for i := 0; i < 2; i++ {
			table, err := l.Load(context.Background(), server.URL+"/compat.yaml")
			require.NoError(t, err)
			assert.Len(t, table.Rows, 1)
		}
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("stale cache is refetched", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write([]byte(custom))
		}))
		defer server.Close()

		cacheDir := t.TempDir()
		l := NewLoader(downloader.NewDownloader(1, cacheDir))
		_, err := l.Load(context.Background(), server.URL)
		require.NoError(t, err)

		entries, err := os.ReadDir(cacheDir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		old := time.Now().Add(-2 * cacheTTL)
		require.NoError(t, os.Chtimes(filepath.Join(cacheDir, entries[0].Name()), old, old))

		_, err = l.Load(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("missing file", func(t *testing.T) {
		l := NewLoader(downloader.NewDownloader(1, t.TempDir()))
		_, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
