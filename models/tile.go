package models

import (
	"strings"
	"time"

	"github.com/aukilabs/tilestream/culling"
)

// Refinement is the way a tile is refined by its children.
type Refinement string

const (
	RefineAdd     Refinement = "ADD"
	RefineReplace Refinement = "REPLACE"
)

// ParseRefinement parses a manifest refine value. It returns false when the
// value is empty or unknown.
func ParseRefinement(v string) (Refinement, bool) {
	switch strings.ToUpper(v) {
	case string(RefineAdd):
		return RefineAdd, true
	case string(RefineReplace):
		return RefineReplace, true
	default:
		return "", false
	}
}

// Tile is a node of a tileset tree.
//
// A tile is only mutated by the goroutine that runs the frames of its
// tileset.
type Tile struct {
	// The content uri, or a synthetic key when the tile has no content.
	ID string

	BoundingVolume culling.Volume
	GeometricError float64
	Refine         Refinement
	ContentURI     string
	Type           ContentKind
	Children       []*Tile

	// The tileset manifest the tile was parsed from.
	ManifestURI string

	State    ContentState
	Content  Content
	Err      error
	ExpireAt time.Time
	Version  uint64
	LoadedAt time.Time
	Detached bool

	// Per frame values set by the traversal.
	Visible                      bool
	DistanceToCamera             float64
	CenterZDepth                 float64
	ScreenSpaceError             float64
	Priority                     float64
	Refines                      bool
	ShouldSelect                 bool
	FinalResolution              bool
	StackLength                  int
	SelectionDepth               int
	AncestorWithContent          *Tile
	AncestorWithContentAvailable *Tile
	VisitedFrame                 uint64
	VisibilityFrame              uint64
	SelectedFrame                uint64
	TouchedFrame                 uint64
	RequestedFrame               uint64

	parent *Tile
	depth  int
}

// NewTile creates a tile without parent.
func NewTile(id string, volume culling.Volume, geometricError float64, refine Refinement, contentURI string) *Tile {
	return &Tile{
		ID:              id,
		BoundingVolume:  volume,
		GeometricError:  geometricError,
		Refine:          refine,
		ContentURI:      contentURI,
		Type:            ContentKindFromURI(contentURI),
		FinalResolution: true,
	}
}

// Parent returns the tile parent, nil for a root.
func (t *Tile) Parent() *Tile {
	return t.parent
}

// Depth returns the number of ancestors of the tile.
func (t *Tile) Depth() int {
	return t.depth
}

// AddChild appends a child to the tile and sets the child parent.
func (t *Tile) AddChild(child *Tile) {
	child.parent = t
	child.depth = t.depth + 1
	t.Children = append(t.Children, child)

	var stack []*Tile
	stack = append(stack, child.Children...)
	for len(stack) > 0 {
		n := len(stack) - 1
		c := stack[n]
		stack = stack[:n]

		c.depth = c.parent.depth + 1
		stack = append(stack, c.Children...)
	}
}

// RemoveChildren detaches the tile children and returns them.
func (t *Tile) RemoveChildren() []*Tile {
	children := t.Children
	t.Children = nil

	for _, c := range children {
		c.parent = nil
	}
	return children
}

// HasEmptyContent reports whether the tile has no content to load.
func (t *Tile) HasEmptyContent() bool {
	return t.ContentURI == ""
}

// HasTilesetContent reports whether the tile content is a nested manifest.
func (t *Tile) HasTilesetContent() bool {
	if t.Content != nil {
		return t.Content.Kind() == ContentKindExternalTileset
	}
	return t.Type == ContentKindExternalTileset
}

// IsEmpty reports whether the tile can never be rendered. Empty tiles are
// traversed but never selected.
func (t *Tile) IsEmpty() bool {
	return t.HasEmptyContent() || t.HasTilesetContent()
}

// HasUnloadedContent reports whether the tile has a content that was never
// loaded.
func (t *Tile) HasUnloadedContent() bool {
	return !t.HasEmptyContent() && t.State == ContentUnloaded
}

// ContentExpired reports whether the tile content expired.
func (t *Tile) ContentExpired() bool {
	return t.State == ContentExpired
}

// ContentFailed reports whether the tile content failed to load.
func (t *Tile) ContentFailed() bool {
	return t.State == ContentErrored
}

// ContentAvailable reports whether the tile has a renderable content. An
// expired content stays available until it is replaced or evicted.
func (t *Tile) ContentAvailable() bool {
	if t.State == ContentErrored || t.State == ContentUnloaded {
		return false
	}
	return Renderable(t.Content)
}

// NeedsLoad reports whether the tile content has to be requested.
func (t *Tile) NeedsLoad() bool {
	if t.HasEmptyContent() {
		return false
	}

	switch t.State {
	case ContentUnloaded, ContentRequested, ContentExpired:
		return true
	default:
		return false
	}
}

// SetState moves the tile content to the given state.
func (t *Tile) SetState(s ContentState) error {
	if t.State == s {
		return nil
	}
	if !CanTransition(t.State, s) {
		instrumentTransitionError(t.State, s)
		return newTransitionError(t.ID, t.State, s)
	}

	instrumentTransition(t.State, s)
	t.State = s
	return nil
}

// SetContent stores a loaded content and moves the tile to the ready state.
func (t *Tile) SetContent(c Content, now time.Time, version uint64) error {
	if err := t.SetState(ContentReady); err != nil {
		return err
	}

	t.Content = c
	t.Err = nil
	t.LoadedAt = now
	t.Version = version
	return nil
}

// SetError stores a load error and moves the tile to the errored state.
func (t *Tile) SetError(err error) error {
	if serr := t.SetState(ContentErrored); serr != nil {
		return serr
	}

	t.Content = ErrorContent{Err: err}
	t.Err = err
	return nil
}

// Unload releases the tile content and moves the tile back to the unloaded
// state.
func (t *Tile) Unload() error {
	if err := t.SetState(ContentUnloaded); err != nil {
		return err
	}

	t.Content = nil
	t.ExpireAt = time.Time{}
	return nil
}

// Expire marks a ready content as expired.
func (t *Tile) Expire() error {
	if t.State != ContentReady {
		return nil
	}
	return t.SetState(ContentExpired)
}

// ContentBoundingVolume returns the content volume when the decoded content
// defines one, the tile volume otherwise.
func (t *Tile) ContentBoundingVolume() culling.Volume {
	if t.Content != nil {
		if v := t.Content.BoundingVolume(); v != nil {
			return v
		}
	}
	return t.BoundingVolume
}

// Walk calls fn for the tile and all its descendants, parents before
// children. Returning false from fn skips the children of the visited tile.
func (t *Tile) Walk(fn func(*Tile) bool) {
	stack := []*Tile{t}

	for len(stack) > 0 {
		n := len(stack) - 1
		tile := stack[n]
		stack = stack[:n]

		if !fn(tile) {
			continue
		}

		for i := len(tile.Children) - 1; i >= 0; i-- {
			stack = append(stack, tile.Children[i])
		}
	}
}

// UpdateVisibility computes the per frame geometric values of the tile. It
// does nothing when the values were already computed for the frame.
func (t *Tile) UpdateVisibility(fs *FrameState) {
	if t.VisibilityFrame == fs.FrameNumber && fs.FrameNumber != 0 {
		return
	}
	t.VisibilityFrame = fs.FrameNumber

	if t.BoundingVolume == nil {
		t.Visible = true
		if t.parent != nil {
			t.Visible = t.parent.Visible
			t.DistanceToCamera = t.parent.DistanceToCamera
			t.CenterZDepth = t.parent.CenterZDepth
		}
	} else {
		t.Visible = fs.Frustum.Intersect(t.BoundingVolume) != culling.Outside
		t.DistanceToCamera = fs.Camera.DistanceToCamera(t.BoundingVolume)
		t.CenterZDepth = fs.Camera.CenterZDepth(t.BoundingVolume)
	}

	t.ScreenSpaceError = t.GetScreenSpaceError(fs, false, 0)
}

// GetScreenSpaceError returns the tile screen space error. When
// useParentGeometricError is set, the parent geometric error is used
// instead, the tileset one for a root.
func (t *Tile) GetScreenSpaceError(fs *FrameState, useParentGeometricError bool, tilesetGeometricError float64) float64 {
	geometricError := t.GeometricError
	if useParentGeometricError {
		geometricError = tilesetGeometricError
		if t.parent != nil {
			geometricError = t.parent.GeometricError
		}
	}

	return culling.ScreenSpaceError(
		geometricError,
		t.DistanceToCamera,
		fs.Camera.Height,
		fs.SSEDenominator,
	)
}

// ContentVisible reports whether the content volume of the tile is in the
// frustum.
func (t *Tile) ContentVisible(fs *FrameState) bool {
	if t.Content == nil || t.Content.BoundingVolume() == nil {
		return true
	}
	return fs.Frustum.Intersect(t.Content.BoundingVolume()) != culling.Outside
}
