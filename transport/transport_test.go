package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/models"
	"github.com/benbjohnson/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestHTTPFetcher(t *testing.T) {
	payload := []byte(`{"asset":{"version":"1.0"}}`)

	mux := http.NewServeMux()
	mux.HandleFunc("/tileset.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})
	mux.HandleFunc("/gzipped.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(compress(t, payload))
	})
	mux.HandleFunc("/user-agent", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.UserAgent()))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	f := NewHTTPFetcher(
		WithClient(server.Client()),
		WithUserAgent("tilestream-test"),
		WithMaxBodySize(64),
	)

	t.Run("fetches content", func(t *testing.T) {
		data, err := f.Fetch(context.Background(), server.URL+"/tileset.json")
		require.NoError(t, err)
		require.Equal(t, payload, data)
	})

	t.Run("decompresses gzipped content", func(t *testing.T) {
		data, err := f.Fetch(context.Background(), server.URL+"/gzipped.json")
		require.NoError(t, err)
		require.Equal(t, payload, data)
	})

	t.Run("sets the user agent", func(t *testing.T) {
		data, err := f.Fetch(context.Background(), server.URL+"/user-agent")
		require.NoError(t, err)
		require.Equal(t, "tilestream-test", string(data))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), server.URL+"/missing.b3dm")
		require.Error(t, err)
		require.True(t, errors.IsType(err, models.ErrTypeTransport))
	})

	t.Run("content too large", func(t *testing.T) {
		small := NewHTTPFetcher(WithClient(server.Client()), WithMaxBodySize(4))

		_, err := small.Fetch(context.Background(), server.URL+"/tileset.json")
		require.True(t, errors.IsType(err, models.ErrTypeTransport))
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.Fetch(ctx, server.URL+"/tileset.json")
		require.True(t, errors.IsType(err, models.ErrTypeTransport))
	})
}

func TestFileFetcher(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("b3dm")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.b3dm"), payload, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.b3dm"), compress(t, payload), 0o644))

	f := FileFetcher{Root: dir}

	t.Run("reads relative path", func(t *testing.T) {
		data, err := f.Fetch(context.Background(), "a.b3dm")
		require.NoError(t, err)
		require.Equal(t, payload, data)
	})

	t.Run("reads file uri", func(t *testing.T) {
		data, err := FileFetcher{}.Fetch(context.Background(), "file://"+filepath.ToSlash(filepath.Join(dir, "a.b3dm")))
		require.NoError(t, err)
		require.Equal(t, payload, data)
	})

	t.Run("decompresses gzipped file", func(t *testing.T) {
		data, err := f.Fetch(context.Background(), "b.b3dm")
		require.NoError(t, err)
		require.Equal(t, payload, data)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.Fetch(context.Background(), "missing.b3dm")
		require.True(t, errors.IsType(err, models.ErrTypeTransport))
	})
}

func TestDiskCache(t *testing.T) {
	calls := 0
	fetcher := Func(func(ctx context.Context, uri string) ([]byte, error) {
		if uri == "missing" {
			return nil, newTransportError("not found", uri, nil)
		}

		calls++
		return []byte(uri), nil
	})

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	c, err := NewDiskCache(filepath.Join(t.TempDir(), "cache.db"), fetcher,
		WithTTL(time.Hour),
		WithClock(clk),
	)
	require.NoError(t, err)
	defer c.Close()

	t.Run("caches fetched contents", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			data, err := c.Fetch(context.Background(), "a.b3dm")
			require.NoError(t, err)
			require.Equal(t, "a.b3dm", string(data))
		}
		require.Equal(t, 1, calls)

		n, err := c.Len()
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), "missing")
		require.True(t, errors.IsType(err, models.ErrTypeTransport))

		n, err := c.Len()
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("expired contents are fetched again", func(t *testing.T) {
		clk.Add(2 * time.Hour)

		_, err := c.Fetch(context.Background(), "a.b3dm")
		require.NoError(t, err)
		require.Equal(t, 2, calls)

		n, err := c.Len()
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("purge removes expired contents", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), "b.b3dm")
		require.NoError(t, err)

		clk.Add(30 * time.Minute)
		_, err = c.Fetch(context.Background(), "c.b3dm")
		require.NoError(t, err)

		clk.Add(45 * time.Minute)
		purged, err := c.Purge(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, purged)

		n, err := c.Len()
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})
}
