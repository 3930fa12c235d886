package models

// Manifest is a tileset manifest as found in tileset.json files.
type Manifest struct {
	Asset          Asset          `json:"asset"`
	GeometricError *float64       `json:"geometricError"`
	Root           *TileHeader    `json:"root"`
	Properties     map[string]any `json:"properties,omitempty"`
}

// Asset describes the manifest format.
type Asset struct {
	Version        string `json:"version"`
	TilesetVersion string `json:"tilesetVersion,omitempty"`
}

// TileHeader is the manifest description of a tile.
type TileHeader struct {
	BoundingVolume *BoundingVolumeHeader `json:"boundingVolume"`
	GeometricError *float64              `json:"geometricError"`
	Refine         string                `json:"refine,omitempty"`
	Content        *ContentHeader        `json:"content,omitempty"`
	Children       []*TileHeader         `json:"children,omitempty"`
}

// BoundingVolumeHeader holds exactly one of a box, a sphere or a region.
type BoundingVolumeHeader struct {
	Box    []float64 `json:"box,omitempty"`
	Sphere []float64 `json:"sphere,omitempty"`
	Region []float64 `json:"region,omitempty"`
}

// ContentHeader is the locator of a tile content. Older manifests use url
// instead of uri.
type ContentHeader struct {
	URI            string                `json:"uri,omitempty"`
	URL            string                `json:"url,omitempty"`
	BoundingVolume *BoundingVolumeHeader `json:"boundingVolume,omitempty"`
}

// Locator returns the content uri.
func (c *ContentHeader) Locator() string {
	if c == nil {
		return ""
	}
	if c.URI != "" {
		return c.URI
	}
	return c.URL
}
