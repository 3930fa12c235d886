package traversal

import (
	"math"
	"sort"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/models"
)

const (
	// The number of levels below a tile searched for loaded descendants when
	// a tile without loaded ancestor stops refining.
	descendantSelectionDepth = 2

	// The number of levels below an empty tile searched for descendants with
	// content when deciding whether its parent can refine.
	maxEmptyLookahead = 8
)

// Options configures a traversal.
type Options struct {
	// The screen space error, in pixels, under which a tile is not refined.
	MaximumScreenSpaceError float64

	// Whether intermediate levels of detail can be skipped.
	SkipLevelOfDetail bool

	// The screen space error that must be reached before skipping levels of
	// detail.
	BaseScreenSpaceError float64

	// The factor by which the screen space error of a tile must be lower than
	// the one of its ancestor with content to be loaded when skipping levels
	// of detail.
	SkipScreenSpaceErrorFactor float64

	// The minimum depth difference between a tile and its ancestor with
	// content to be loaded when skipping levels of detail.
	SkipLevels int

	// Whether only the tiles that meet the screen space error are loaded.
	ImmediatelyLoadDesiredLevelOfDetail bool

	// Whether the siblings of visible tiles are loaded.
	LoadSiblings bool

	// Whether replacement tiles without visible children are culled.
	CullWithChildrenBounds bool
}

// Toucher records the tiles used during a frame.
type Toucher interface {
	Touch(tile *models.Tile, frame uint64)
}

// Tree is a tileset tree to traverse.
type Tree struct {
	Root *models.Tile

	// The geometric error of the tileset, used to decide whether the root
	// has to be rendered at all.
	GeometricError float64

	// The cache touched by the traversal. It can be nil.
	Cache Toucher
}

// Result is the output of a traversal.
type Result struct {
	FrameNumber uint64

	// The tiles to render, without duplicates.
	Selected []*models.Tile

	// The selected tiles that were not selected in the previous frame.
	NewlySelected []*models.Tile

	// The tiles whose content has to be loaded.
	Requested []*models.Tile

	// The visited tiles without renderable content.
	Empty []*models.Tile

	// The screen space error of the root computed with its own geometric
	// error.
	RootScreenSpaceError float64

	Stats models.Statistics

	// Set with the models.ErrTypeBudgetExceeded type when the traversal
	// stopped because the root already meets the screen space error.
	Err error
}

// Traverser selects the tiles to render and to load. A traverser keeps its
// scratch stacks between frames and must not be used concurrently.
type Traverser struct {
	opts Options

	stack           []*models.Tile
	emptyStack      []*models.Tile
	descendantStack []*models.Tile
	selectionStack  []*models.Tile
	ancestorStack   []*models.Tile
	children        []*models.Tile

	tree          Tree
	fs            *models.FrameState
	result        *Result
	previousFrame uint64
}

// New creates a traverser.
func New(opts Options) *Traverser {
	if opts.SkipScreenSpaceErrorFactor <= 0 {
		opts.SkipScreenSpaceErrorFactor = 16
	}

	return &Traverser{
		opts: opts,
	}
}

// Options returns the traverser options.
func (t *Traverser) Options() Options {
	return t.opts
}

// SetOptions changes the traverser options for the next frames.
func (t *Traverser) SetOptions(opts Options) {
	t.opts = opts
}

// SelectTiles traverses the tree for a frame.
func (t *Traverser) SelectTiles(tree Tree, fs *models.FrameState) Result {
	result := Result{FrameNumber: fs.FrameNumber}

	t.tree = tree
	t.fs = fs
	t.result = &result
	defer t.end()

	root := tree.Root
	if root == nil {
		return result
	}

	t.updateTile(root)
	result.RootScreenSpaceError = root.ScreenSpaceError

	if !root.Visible {
		return result
	}

	if sse := root.GetScreenSpaceError(fs, true, tree.GeometricError); sse <= t.opts.MaximumScreenSpaceError {
		result.Err = errors.New("root screen space error is within the budget").
			WithType(models.ErrTypeBudgetExceeded).
			WithTag("screen_space_error", sse).
			WithTag("maximum_screen_space_error", t.opts.MaximumScreenSpaceError)
		return result
	}

	switch {
	case !t.opts.SkipLevelOfDetail:
		t.executeBaseTraversal(root)

	case t.opts.ImmediatelyLoadDesiredLevelOfDetail:
		t.executeSkipTraversal(root)

	default:
		t.executeBaseAndSkipTraversal(root)
	}

	return result
}

func (t *Traverser) end() {
	r := t.result
	r.Stats.Selected = len(r.Selected)
	r.Stats.Requested = len(r.Requested)
	r.Stats.EmptyTiles = len(r.Empty)

	t.previousFrame = t.fs.FrameNumber
	t.tree = Tree{}
	t.fs = nil
	t.result = nil

	clearStack(t.stack)
	clearStack(t.emptyStack)
	clearStack(t.descendantStack)
	clearStack(t.selectionStack)
	clearStack(t.ancestorStack)
	clearStack(t.children)
}

func (t *Traverser) executeBaseTraversal(root *models.Tile) {
	t.executeTraversal(root, t.opts.MaximumScreenSpaceError)
}

func (t *Traverser) executeSkipTraversal(root *models.Tile) {
	t.executeTraversal(root, math.MaxFloat64)
	t.traverseAndSelect(root)
}

func (t *Traverser) executeBaseAndSkipTraversal(root *models.Tile) {
	baseScreenSpaceError := math.Max(t.opts.BaseScreenSpaceError, t.opts.MaximumScreenSpaceError)
	t.executeTraversal(root, baseScreenSpaceError)
	t.traverseAndSelect(root)
}

// executeTraversal walks the tree depth first. Tiles are marked for
// selection, for loading, or both.
func (t *Traverser) executeTraversal(root *models.Tile, baseScreenSpaceError float64) {
	t.stack = append(t.stack[:0], root)

	for len(t.stack) != 0 {
		tile := t.pop()

		add := tile.Refine == models.RefineAdd
		parent := tile.Parent()
		parentRefines := parent == nil || parent.Refines

		refines := false
		if t.canTraverse(tile) {
			refines = t.updateAndPushChildren(tile) && parentRefines
		}
		stoppedRefining := !refines && parentRefines

		switch {
		case isEmpty(tile):
			t.result.Empty = append(t.result.Empty, tile)
			t.loadTile(tile)
			if stoppedRefining {
				t.selectDesiredTile(tile)
			}

		case add:
			t.selectDesiredTile(tile)
			t.loadTile(tile)

		case t.inBaseTraversal(tile, baseScreenSpaceError):
			t.loadTile(tile)
			if stoppedRefining {
				t.selectDesiredTile(tile)
			}

		case stoppedRefining:
			t.selectDesiredTile(tile)
			t.loadTile(tile)

		case t.reachedSkippingThreshold(tile):
			t.loadTile(tile)
		}

		t.visitTile(tile)
		t.touchTile(tile)
		tile.Refines = refines
	}
}

// updateAndPushChildren pushes the visible children of the tile on the
// stack, nearest last. It reports whether the tile can be replaced by its
// children.
func (t *Traverser) updateAndPushChildren(tile *models.Tile) bool {
	replace := tile.Refine == models.RefineReplace
	children := t.sortedChildren(tile)

	// Without skipping levels of detail, a replacement tile is only refined
	// once its visible children are loaded.
	checkRefines := !t.opts.SkipLevelOfDetail && replace && !isEmpty(tile)

	refines := true
	anyChildrenVisible := false

	for _, child := range children {
		if !child.Visible {
			if t.opts.LoadSiblings {
				t.loadTile(child)
				t.touchTile(child)
			}
			continue
		}

		t.stack = append(t.stack, child)
		anyChildrenVisible = true

		if !checkRefines {
			continue
		}

		var childRefines bool
		if isEmpty(child) {
			childRefines = t.executeEmptyTraversal(child)
		} else {
			childRefines = child.ContentAvailable()
		}
		refines = refines && childRefines
	}

	if !anyChildrenVisible {
		refines = false
	}
	return refines
}

// sortedChildren updates the tile children and returns them sorted from the
// farthest to the nearest.
func (t *Traverser) sortedChildren(tile *models.Tile) []*models.Tile {
	t.children = append(t.children[:0], tile.Children...)

	for _, child := range t.children {
		t.updateTile(child)
	}

	sort.SliceStable(t.children, func(i, j int) bool {
		a, b := t.children[i], t.children[j]
		if a.DistanceToCamera == 0 && b.DistanceToCamera == 0 {
			return a.CenterZDepth > b.CenterZDepth
		}
		return a.DistanceToCamera > b.DistanceToCamera
	})

	return t.children
}

// executeEmptyTraversal reports whether the visible descendants of an empty
// tile that are reached before finding content are loaded. Empty leaves and
// errored tiles do not prevent refinement.
func (t *Traverser) executeEmptyTraversal(root *models.Tile) bool {
	allDescendantsLoaded := true
	t.emptyStack = append(t.emptyStack[:0], root)

	for len(t.emptyStack) != 0 {
		n := len(t.emptyStack) - 1
		tile := t.emptyStack[n]
		t.emptyStack[n] = nil
		t.emptyStack = t.emptyStack[:n]

		if tile != root {
			t.updateTile(tile)
		}

		if !tile.Visible {
			if t.opts.LoadSiblings {
				t.loadTile(tile)
				t.touchTile(tile)
			}
			continue
		}

		empty := isEmpty(tile)
		traverse := empty &&
			t.canTraverse(tile) &&
			tile.Depth()-root.Depth() < maxEmptyLookahead
		emptyLeaf := empty && len(tile.Children) == 0

		if !traverse && !tile.ContentAvailable() && !emptyLeaf && !tile.ContentFailed() {
			allDescendantsLoaded = false
		}

		if traverse {
			t.emptyStack = append(t.emptyStack, tile.Children...)
		}
	}

	return allDescendantsLoaded
}

// traverseAndSelect selects the tiles marked during a skipping traversal.
// An ancestor used as a stand-in for descendants that are not loaded yet is
// selected after them and is not at its final resolution.
func (t *Traverser) traverseAndSelect(root *models.Tile) {
	t.selectionStack = append(t.selectionStack[:0], root)
	t.ancestorStack = t.ancestorStack[:0]

	var lastAncestor *models.Tile

	for len(t.selectionStack) != 0 || len(t.ancestorStack) != 0 {
		if n := len(t.ancestorStack); n != 0 {
			waitingTile := t.ancestorStack[n-1]
			if waitingTile.StackLength == len(t.selectionStack) {
				t.ancestorStack[n-1] = nil
				t.ancestorStack = t.ancestorStack[:n-1]

				if waitingTile != lastAncestor {
					waitingTile.FinalResolution = false
				}
				t.selectTile(waitingTile)
				continue
			}
		}

		n := len(t.selectionStack) - 1
		if n < 0 {
			break
		}
		tile := t.selectionStack[n]
		t.selectionStack[n] = nil
		t.selectionStack = t.selectionStack[:n]

		add := tile.Refine == models.RefineAdd
		traverse := t.canTraverse(tile)

		if tile.ShouldSelect {
			if add {
				t.selectTile(tile)
			} else {
				tile.SelectionDepth = len(t.ancestorStack)
				lastAncestor = tile

				if !traverse {
					t.selectTile(tile)
					continue
				}

				t.ancestorStack = append(t.ancestorStack, tile)
				tile.StackLength = len(t.selectionStack)
			}
		}

		if traverse {
			for _, child := range tile.Children {
				if child.Visible && child.VisibilityFrame == t.fs.FrameNumber {
					t.selectionStack = append(t.selectionStack, child)
				}
			}
		}
	}
}

// selectDescendants selects the loaded descendants of a tile that has no
// loaded ancestor, down to a bounded depth.
func (t *Traverser) selectDescendants(root *models.Tile) {
	t.descendantStack = append(t.descendantStack[:0], root)

	for len(t.descendantStack) != 0 {
		n := len(t.descendantStack) - 1
		tile := t.descendantStack[n]
		t.descendantStack[n] = nil
		t.descendantStack = t.descendantStack[:n]

		for _, child := range tile.Children {
			t.updateTileVisibility(child)
			if !child.Visible {
				continue
			}

			if child.ContentAvailable() {
				t.updateTile(child)
				t.touchTile(child)
				t.selectTile(child)
			} else if child.Depth()-root.Depth() < descendantSelectionDepth {
				t.descendantStack = append(t.descendantStack, child)
			}
		}
	}
}

func (t *Traverser) selectDesiredTile(tile *models.Tile) {
	if !t.opts.SkipLevelOfDetail {
		if tile.ContentAvailable() {
			t.selectTile(tile)
		}
		return
	}

	loadedTile := tile
	if !tile.ContentAvailable() {
		loadedTile = tile.AncestorWithContentAvailable
	}

	if loadedTile != nil {
		loadedTile.ShouldSelect = true
		return
	}

	t.selectDescendants(tile)
}

func (t *Traverser) selectTile(tile *models.Tile) {
	frame := t.fs.FrameNumber
	if tile.SelectedFrame == frame && frame != 0 {
		return
	}
	if !tile.ContentAvailable() || !tile.ContentVisible(t.fs) {
		return
	}

	if tile.SelectedFrame == 0 || tile.SelectedFrame != t.previousFrame {
		t.result.NewlySelected = append(t.result.NewlySelected, tile)
	}

	tile.SelectedFrame = frame
	t.result.Selected = append(t.result.Selected, tile)
}

func (t *Traverser) loadTile(tile *models.Tile) {
	frame := t.fs.FrameNumber
	if tile.RequestedFrame == frame && frame != 0 {
		return
	}
	if !tile.NeedsLoad() {
		return
	}

	tile.RequestedFrame = frame
	t.result.Requested = append(t.result.Requested, tile)
}

func (t *Traverser) visitTile(tile *models.Tile) {
	tile.VisitedFrame = t.fs.FrameNumber
	t.result.Stats.Visited++
}

func (t *Traverser) touchTile(tile *models.Tile) {
	if t.tree.Cache == nil {
		tile.TouchedFrame = t.fs.FrameNumber
		return
	}
	t.tree.Cache.Touch(tile, t.fs.FrameNumber)
}

func (t *Traverser) updateTile(tile *models.Tile) {
	t.updateTileVisibility(tile)
	t.updateExpiration(tile)

	tile.ShouldSelect = false
	tile.FinalResolution = true
	tile.AncestorWithContent = nil
	tile.AncestorWithContentAvailable = nil

	parent := tile.Parent()
	if parent == nil {
		return
	}

	// The ancestor with content is loaded or about to be. It is used to
	// decide when levels of detail can be skipped. The ancestor with content
	// available is rendered while a desired tile is not loaded.
	hasContent := !isEmpty(parent) &&
		(parent.State != models.ContentUnloaded || parent.RequestedFrame == t.fs.FrameNumber)

	tile.AncestorWithContent = parent.AncestorWithContent
	if hasContent {
		tile.AncestorWithContent = parent
	}

	tile.AncestorWithContentAvailable = parent.AncestorWithContentAvailable
	if parent.ContentAvailable() {
		tile.AncestorWithContentAvailable = parent
	}
}

func (t *Traverser) updateExpiration(tile *models.Tile) {
	if tile.State != models.ContentReady || tile.ExpireAt.IsZero() || t.fs.Time.IsZero() {
		return
	}

	if !t.fs.Time.After(tile.ExpireAt) {
		return
	}
	if err := tile.Expire(); err != nil {
		logs.Warn(err)
	}
}

func (t *Traverser) updateTileVisibility(tile *models.Tile) {
	tile.UpdateVisibility(t.fs)
	if !tile.Visible {
		return
	}

	// An external tileset is visible when its root is.
	if tile.HasTilesetContent() && len(tile.Children) != 0 {
		root := tile.Children[0]
		t.updateTileVisibility(root)
		tile.Visible = root.Visible
		return
	}

	if t.meetsScreenSpaceErrorEarly(tile) {
		tile.Visible = false
		return
	}

	replace := tile.Refine == models.RefineReplace
	if t.opts.CullWithChildrenBounds && replace && len(tile.Children) != 0 && !t.anyChildrenVisible(tile) {
		t.result.Stats.CulledWithChildrenUnion++
		tile.Visible = false
	}
}

func (t *Traverser) anyChildrenVisible(tile *models.Tile) bool {
	anyVisible := false
	for _, child := range tile.Children {
		child.UpdateVisibility(t.fs)
		anyVisible = anyVisible || child.Visible
	}
	return anyVisible
}

// meetsScreenSpaceErrorEarly reports whether a child of an additive tile
// would already meet the screen space error with its parent error.
func (t *Traverser) meetsScreenSpaceErrorEarly(tile *models.Tile) bool {
	parent := tile.Parent()
	if parent == nil || parent.HasTilesetContent() || parent.Refine != models.RefineAdd {
		return false
	}

	return tile.GetScreenSpaceError(t.fs, true, t.tree.GeometricError) <= t.opts.MaximumScreenSpaceError
}

func (t *Traverser) canTraverse(tile *models.Tile) bool {
	if len(tile.Children) == 0 {
		return false
	}

	if tile.HasTilesetContent() {
		// An expired external tileset is not traversed while its children
		// are reloaded.
		return !tile.ContentExpired()
	}

	return tile.ScreenSpaceError > t.opts.MaximumScreenSpaceError
}

func (t *Traverser) inBaseTraversal(tile *models.Tile, baseScreenSpaceError float64) bool {
	if !t.opts.SkipLevelOfDetail {
		return true
	}
	if t.opts.ImmediatelyLoadDesiredLevelOfDetail {
		return false
	}
	if tile.AncestorWithContent == nil {
		// The first tile with content is in the base traversal.
		return true
	}
	if tile.ScreenSpaceError == 0 {
		// A leaf uses its parent screen space error.
		return tile.Parent().ScreenSpaceError > baseScreenSpaceError
	}
	return tile.ScreenSpaceError > baseScreenSpaceError
}

func (t *Traverser) reachedSkippingThreshold(tile *models.Tile) bool {
	ancestor := tile.AncestorWithContent
	return !t.opts.ImmediatelyLoadDesiredLevelOfDetail &&
		ancestor != nil &&
		tile.ScreenSpaceError < ancestor.ScreenSpaceError/t.opts.SkipScreenSpaceErrorFactor &&
		tile.Depth() > ancestor.Depth()+t.opts.SkipLevels
}

func (t *Traverser) pop() *models.Tile {
	n := len(t.stack) - 1
	tile := t.stack[n]
	t.stack[n] = nil
	t.stack = t.stack[:n]
	return tile
}

// isEmpty reports whether the tile is traversed without ever being rendered:
// tiles without content, external tilesets and tiles whose content failed to
// load.
func isEmpty(tile *models.Tile) bool {
	return tile.IsEmpty() || tile.ContentFailed()
}

func clearStack(s []*models.Tile) {
	for i := range s[:cap(s)] {
		s[:cap(s)][i] = nil
	}
}
