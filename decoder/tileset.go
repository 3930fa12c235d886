package decoder

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/models"
	"github.com/segmentio/encoding/json"
)

// ExternalTilesetDecoder decodes nested manifests.
type ExternalTilesetDecoder struct{}

func (d ExternalTilesetDecoder) Name() string {
	return "tileset"
}

func (d ExternalTilesetDecoder) Formats() []string {
	return []string{FormatExternalTileset}
}

func (d ExternalTilesetDecoder) Decode(ctx context.Context, data []byte, opts Options) (models.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var manifest models.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, errors.New("invalid external tileset").
			WithType(models.ErrTypeManifest).
			WithTag("uri", opts.URI).
			Wrap(err)
	}
	if manifest.Root == nil {
		return nil, errors.New("external tileset without root").
			WithType(models.ErrTypeManifest).
			WithTag("uri", opts.URI)
	}

	basePath := opts.BasePath
	if basePath == "" {
		basePath = opts.URI
	}

	return &models.ExternalTilesetContent{
		Manifest: &manifest,
		BasePath: basePath,
		Bytes:    len(data),
	}, nil
}
