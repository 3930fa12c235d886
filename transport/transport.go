package transport

import (
	"bytes"
	"context"
	"io"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/models"
	"github.com/klauspost/compress/gzip"
)

// Fetcher retrieves the bytes behind a locator. Fetchers are called
// concurrently. The returned bytes may be shared between callers and must
// not be modified.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Func is a function that implements Fetcher.
type Func func(ctx context.Context, uri string) ([]byte, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

func newTransportError(msg, uri string, err error) error {
	e := errors.New(msg).
		WithType(models.ErrTypeTransport).
		WithTag("uri", uri)

	instrumentFetchError(models.ErrTypeTransport)
	if err != nil {
		return e.Wrap(err)
	}
	return e
}

// isGzip reports whether data starts with the gzip magic number.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// gunzip decompresses data when it is gzip encoded and returns it unchanged
// otherwise.
func gunzip(data []byte, maxSize int64) ([]byte, error) {
	if !isGzip(data) {
		return data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return readAll(r, maxSize)
}

func readAll(r io.Reader, maxSize int64) ([]byte, error) {
	if maxSize <= 0 {
		return io.ReadAll(r)
	}

	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxSize {
		return nil, errors.New("content exceeds the maximum size").
			WithTag("max_size", maxSize)
	}
	return data, nil
}
