package decoder

import (
	"bytes"
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/workerpool"
)

const (
	FormatPointCloud      = "pnts"
	FormatBatchedModel    = "b3dm"
	FormatInstancedModel  = "i3dm"
	FormatGLB             = "glb"
	FormatExternalTileset = "json"
)

// Options are the decoding options of a content.
type Options struct {
	// The content locator, used in errors and to guess the format when it
	// cannot be sniffed.
	URI string

	// The locator relative content uris are resolved against. The content uri
	// is used when empty.
	BasePath string
}

// Decoder turns fetched bytes into a tile content. Decoders are run
// concurrently and must be safe for concurrent use.
type Decoder interface {
	// Name returns the name of the pool the decoder runs on.
	Name() string

	// Formats returns the formats the decoder handles.
	Formats() []string

	Decode(ctx context.Context, data []byte, opts Options) (models.Content, error)
}

// Registry dispatches contents to the decoder of their format. Each decoder
// runs on its own worker pool.
type Registry struct {
	mutex    sync.RWMutex
	decoders map[string]Decoder
	formats  map[string]Decoder
	farm     *workerpool.Farm
}

// NewRegistry creates a registry with the given decoders.
func NewRegistry(opts workerpool.Options, decoders ...Decoder) *Registry {
	r := &Registry{
		decoders: make(map[string]Decoder),
		formats:  make(map[string]Decoder),
	}
	r.farm = workerpool.NewFarm(r.resolve, opts)

	for _, d := range decoders {
		r.Register(d)
	}
	return r
}

// NewDefaultRegistry creates a registry with the point cloud, mesh and
// external tileset decoders.
func NewDefaultRegistry(opts workerpool.Options) *Registry {
	return NewRegistry(opts,
		PointCloudDecoder{},
		MeshDecoder{},
		ExternalTilesetDecoder{},
	)
}

// Register adds a decoder. It replaces the decoders previously registered
// for the same formats.
func (r *Registry) Register(d Decoder) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.decoders[d.Name()] = d
	for _, f := range d.Formats() {
		r.formats[f] = d
	}
}

// Lookup returns the decoder for a format.
func (r *Registry) Lookup(format string) (Decoder, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	d, ok := r.formats[format]
	return d, ok
}

// Decode decodes a content on the worker pool of its decoder. The format is
// sniffed from the data and guessed from the uri when the data has no known
// signature.
func (r *Registry) Decode(ctx context.Context, data []byte, opts Options) (models.Content, error) {
	format, ok := Sniff(data)
	if !ok {
		format = formatFromURI(opts.URI)
	}

	d, ok := r.Lookup(format)
	if !ok {
		return nil, errors.New("no decoder for content format").
			WithType(models.ErrTypeDecode).
			WithTag("uri", opts.URI).
			WithTag("format", format)
	}

	v, err := r.farm.Process(ctx, d.Name(), data, opts)
	if err != nil {
		if t := errors.Type(err); t == "" || t == workerpool.ErrTypePanic {
			err = errors.New("decoding content failed").
				WithType(models.ErrTypeDecode).
				WithTag("uri", opts.URI).
				Wrap(err)
		}
		return nil, err
	}

	content, ok := v.(models.Content)
	if !ok || content == nil {
		return nil, errors.New("decoder returned no content").
			WithType(models.ErrTypeDecode).
			WithTag("uri", opts.URI).
			WithTag("decoder", d.Name())
	}
	return content, nil
}

// SetMaxConcurrency changes the number of workers of each decoder pool.
func (r *Registry) SetMaxConcurrency(n int) {
	r.farm.SetMaxConcurrency(n)
}

// Stats returns the state of the decoder pools.
func (r *Registry) Stats() map[string]workerpool.Stats {
	return r.farm.Stats()
}

// Close destroys the decoder pools.
func (r *Registry) Close() {
	r.farm.Destroy()
}

func (r *Registry) resolve(name string) (workerpool.Func, bool) {
	r.mutex.RLock()
	d, ok := r.decoders[name]
	r.mutex.RUnlock()

	if !ok {
		return nil, false
	}

	return func(ctx context.Context, data []byte, opts any) (any, error) {
		o, _ := opts.(Options)
		return d.Decode(ctx, data, o)
	}, true
}

// Sniff returns the format of a content from its magic bytes.
func Sniff(data []byte) (string, bool) {
	if len(data) >= 4 {
		switch string(data[:4]) {
		case "pnts":
			return FormatPointCloud, true
		case "b3dm":
			return FormatBatchedModel, true
		case "i3dm":
			return FormatInstancedModel, true
		case "glTF":
			return FormatGLB, true
		}
	}

	if trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff"); len(trimmed) != 0 && trimmed[0] == '{' {
		return FormatExternalTileset, true
	}
	return "", false
}

func formatFromURI(uri string) string {
	switch models.ContentKindFromURI(uri) {
	case models.ContentKindPointCloud:
		return FormatPointCloud
	case models.ContentKindExternalTileset:
		return FormatExternalTileset
	default:
		return FormatGLB
	}
}

func decodeError(msg string, opts Options, err error) error {
	e := errors.New(msg).
		WithType(models.ErrTypeDecode).
		WithTag("uri", opts.URI)
	if err != nil {
		return e.Wrap(err)
	}
	return e
}
