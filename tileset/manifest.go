package tileset

import (
	"net/url"
	"path"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"
)

// ParseManifest decodes a tileset manifest.
func ParseManifest(data []byte) (*models.Manifest, error) {
	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.New("invalid manifest").
			WithType(models.ErrTypeManifest).
			Wrap(err)
	}

	if m.Root == nil {
		return nil, errors.New("manifest without root").
			WithType(models.ErrTypeManifest)
	}
	if m.GeometricError == nil || *m.GeometricError < 0 {
		return nil, errors.New("manifest without valid geometric error").
			WithType(models.ErrTypeManifest)
	}
	return &m, nil
}

type pendingHeader struct {
	header *models.TileHeader
	parent *models.Tile
}

// treeBuilder creates tiles from manifest headers.
type treeBuilder struct {
	ids *models.SequentialIDGenerator
}

// build creates the tree described by a manifest root. The root inherits its
// refinement from parent, which is not modified. A tile with an invalid header
// is skipped with its subtree and its error is reported in the returned
// error, the rest of the tree being built. An invalid root returns a nil
// tile.
func (b treeBuilder) build(root *models.TileHeader, baseURI string, parent *models.Tile) (*models.Tile, int, error) {
	rootTile, err := b.newTile(root, baseURI, parent)
	if err != nil {
		return nil, 0, err
	}

	count := 1
	var errs error

	var stack []pendingHeader
	pushChildren := func(h *models.TileHeader, t *models.Tile) {
		for i := len(h.Children) - 1; i >= 0; i-- {
			stack = append(stack, pendingHeader{
				header: h.Children[i],
				parent: t,
			})
		}
	}
	pushChildren(root, rootTile)

	for len(stack) != 0 {
		n := len(stack) - 1
		p := stack[n]
		stack = stack[:n]

		tile, err := b.newTile(p.header, baseURI, p.parent)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		p.parent.AddChild(tile)
		count++
		pushChildren(p.header, tile)
	}

	return rootTile, count, errs
}

func (b treeBuilder) newTile(h *models.TileHeader, baseURI string, parent *models.Tile) (*models.Tile, error) {
	if h == nil {
		return nil, newManifestError("null tile", baseURI, nil)
	}

	volume, err := boundingVolume(h.BoundingVolume)
	if err != nil {
		return nil, newManifestError("invalid bounding volume", baseURI, err)
	}

	if h.GeometricError == nil || *h.GeometricError < 0 {
		return nil, newManifestError("invalid geometric error", baseURI, nil)
	}

	refine := models.RefineReplace
	if parent != nil {
		refine = parent.Refine
	}
	if h.Refine != "" {
		r, ok := models.ParseRefinement(h.Refine)
		if !ok {
			return nil, newManifestError("invalid refine", baseURI, errors.New(h.Refine))
		}
		refine = r
	}

	contentURI := resolveURI(baseURI, h.Content.Locator())

	id := contentURI
	if id == "" {
		id = b.ids.NewKey("tile")
	}

	tile := models.NewTile(id, volume, *h.GeometricError, refine, contentURI)
	tile.ManifestURI = baseURI
	return tile, nil
}

func boundingVolume(h *models.BoundingVolumeHeader) (culling.Volume, error) {
	switch {
	case h == nil:
		return nil, errors.New("missing bounding volume")

	case h.Box != nil:
		return culling.NewOrientedBox(h.Box)

	case h.Sphere != nil:
		return culling.NewSphere(h.Sphere)

	case h.Region != nil:
		return culling.NewRegion(h.Region)

	default:
		return nil, errors.New("empty bounding volume")
	}
}

// resolveURI resolves a content locator against the locator of the manifest
// that references it.
func resolveURI(base, ref string) string {
	if ref == "" {
		return ""
	}

	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.IsAbs() {
		return ref
	}

	if b, err := url.Parse(base); err == nil && b.IsAbs() {
		return b.ResolveReference(r).String()
	}

	if path.IsAbs(ref) {
		return ref
	}
	return path.Join(path.Dir(base), ref)
}

func newManifestError(msg, uri string, err error) error {
	e := errors.New(msg).
		WithType(models.ErrTypeManifest).
		WithTag("manifest", uri)
	if err != nil {
		return e.Wrap(err)
	}
	return e
}
