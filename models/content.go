package models

import (
	"path"
	"strings"

	"github.com/aukilabs/tilestream/culling"
)

// ContentKind is the kind of a decoded tile content.
type ContentKind int

const (
	ContentKindEmpty ContentKind = iota
	ContentKindPointCloud
	ContentKindMesh
	ContentKindExternalTileset
	ContentKindError
)

func (k ContentKind) String() string {
	switch k {
	case ContentKindEmpty:
		return "empty"
	case ContentKindPointCloud:
		return "point-cloud"
	case ContentKindMesh:
		return "mesh"
	case ContentKindExternalTileset:
		return "external-tileset"
	case ContentKindError:
		return "error"
	default:
		return "unknown"
	}
}

// ContentKindFromURI guesses the content kind from the extension of a content
// locator. Unknown extensions are reported as meshes and are sniffed once
// fetched.
func ContentKindFromURI(uri string) ContentKind {
	if uri == "" {
		return ContentKindEmpty
	}

	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}

	switch strings.ToLower(path.Ext(uri)) {
	case ".pnts":
		return ContentKindPointCloud
	case ".json":
		return ContentKindExternalTileset
	default:
		return ContentKindMesh
	}
}

// Content is a decoded tile content. It is one of PointCloudContent,
// MeshContent, ExternalTilesetContent, EmptyContent or ErrorContent and is
// immutable once stored on a ready tile.
type Content interface {
	Kind() ContentKind

	// ByteLength returns the memory held by the content payload.
	ByteLength() int

	// BoundingVolume returns the volume of the content when it is tighter
	// than the tile volume, nil otherwise.
	BoundingVolume() culling.Volume

	isContent()
}

// Renderable reports whether the content can be selected for rendering.
func Renderable(c Content) bool {
	if c == nil {
		return false
	}

	switch c.Kind() {
	case ContentKindPointCloud, ContentKindMesh:
		return true
	default:
		return false
	}
}

// PointCloudContent is a decoded point cloud.
type PointCloudContent struct {
	PointsLength int
	FeatureTable map[string]any
	Attributes   map[string][]byte
	RTCCenter    []float64
	Volume       culling.Volume
	Bytes        int
}

func (c *PointCloudContent) Kind() ContentKind              { return ContentKindPointCloud }
func (c *PointCloudContent) ByteLength() int                { return c.Bytes }
func (c *PointCloudContent) BoundingVolume() culling.Volume { return c.Volume }
func (c *PointCloudContent) isContent()                     {}

// MeshContent is a decoded batched or instanced mesh. The glTF payload is
// kept as is.
type MeshContent struct {
	Format       string
	BatchLength  int
	FeatureTable map[string]any
	GLB          []byte
	Volume       culling.Volume
	Bytes        int
}

func (c *MeshContent) Kind() ContentKind              { return ContentKindMesh }
func (c *MeshContent) ByteLength() int                { return c.Bytes }
func (c *MeshContent) BoundingVolume() culling.Volume { return c.Volume }
func (c *MeshContent) isContent()                     {}

// ExternalTilesetContent is a nested manifest whose root becomes the only
// child of the tile that references it.
type ExternalTilesetContent struct {
	Manifest *Manifest
	BasePath string
	Bytes    int
}

func (c *ExternalTilesetContent) Kind() ContentKind              { return ContentKindExternalTileset }
func (c *ExternalTilesetContent) ByteLength() int                { return c.Bytes }
func (c *ExternalTilesetContent) BoundingVolume() culling.Volume { return nil }
func (c *ExternalTilesetContent) isContent()                     {}

// EmptyContent is the content of tiles without content locator.
type EmptyContent struct{}

func (c EmptyContent) Kind() ContentKind              { return ContentKindEmpty }
func (c EmptyContent) ByteLength() int                { return 0 }
func (c EmptyContent) BoundingVolume() culling.Volume { return nil }
func (c EmptyContent) isContent()                     {}

// ErrorContent records a failed load.
type ErrorContent struct {
	Err error
}

func (c ErrorContent) Kind() ContentKind              { return ContentKindError }
func (c ErrorContent) ByteLength() int                { return 0 }
func (c ErrorContent) BoundingVolume() culling.Volume { return nil }
func (c ErrorContent) isContent()                     {}
