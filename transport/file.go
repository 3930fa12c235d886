package transport

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher reads contents from the local file system. Relative locators
// are resolved against Root.
type FileFetcher struct {
	Root string
}

func (f FileFetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.FromSlash(strings.TrimPrefix(uri, "file://"))
	if f.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.Root, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newTransportError("reading file failed", uri, err)
	}

	if data, err = gunzip(data, 0); err != nil {
		return nil, newTransportError("decompressing file failed", uri, err)
	}
	return data, nil
}
