package traversal

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	tooling "github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
)

const tilesetGeometricError = 100

func camera() culling.Camera {
	return culling.Camera{
		Direction: r3.Vector{Z: -1},
		Up:        r3.Vector{Y: 1},
		FovY:      math.Pi / 3,
		Aspect:    1,
		Near:      1,
		Far:       10000,
		Height:    1000,
	}
}

func frame(n uint64) *models.FrameState {
	fs := models.NewFrameState(n, camera())
	fs.Time = time.Now()
	return &fs
}

func sphere(x, y, z, r float64) culling.Volume {
	return culling.Sphere{
		Center: r3.Vector{X: x, Y: y, Z: z},
		Radius: r,
	}
}

func newTile(id string, volume culling.Volume, geometricError float64, refine models.Refinement) *models.Tile {
	return models.NewTile(id, volume, geometricError, refine, id+".b3dm")
}

func load(t *testing.T, tiles ...*models.Tile) {
	for _, tile := range tiles {
		tile.State = models.ContentLoading
		require.NoError(t, tile.SetContent(&models.MeshContent{Bytes: 1}, time.Now(), 0))
	}
}

func fail(t *testing.T, tiles ...*models.Tile) {
	for _, tile := range tiles {
		tile.State = models.ContentLoading
		require.NoError(t, tile.SetError(errors.New("not found")))
	}
}

func tree(root *models.Tile) Tree {
	return Tree{
		Root:           root,
		GeometricError: tilesetGeometricError,
	}
}

func baseOptions() Options {
	return Options{
		MaximumScreenSpaceError: 16,
	}
}

// quad returns a refined root in front of the camera with four leaf children.
func quad() (*models.Tile, []*models.Tile) {
	root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)

	var children []*models.Tile
	for i, c := range [][2]float64{{-20, -20}, {-20, 20}, {20, -20}, {20, 20}} {
		child := newTile(fmt.Sprintf("child%d", i), sphere(c[0], c[1], -100, 20), 0, models.RefineReplace)
		root.AddChild(child)
		children = append(children, child)
	}
	return root, children
}

type toucher map[*models.Tile]uint64

func (t toucher) Touch(tile *models.Tile, frame uint64) {
	t[tile] = frame
}

func TestSelectTilesSingleRoot(t *testing.T) {
	t.Run("loaded root is selected", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
		load(t, root)

		res := New(baseOptions()).SelectTiles(tree(root), frame(1))
		require.NoError(t, res.Err)
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.Equal(t, []*models.Tile{root}, res.NewlySelected)
		require.Empty(t, res.Requested)
		require.Equal(t, 1, res.Stats.Visited)
		require.Equal(t, 1, res.Stats.Selected)
	})

	t.Run("unloaded root is requested", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)

		res := New(baseOptions()).SelectTiles(tree(root), frame(1))
		require.NoError(t, res.Err)
		require.Empty(t, res.Selected)
		require.Equal(t, []*models.Tile{root}, res.Requested)
		require.Equal(t, uint64(1), root.RequestedFrame)
	})

	t.Run("root meeting the screen space error", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
		load(t, root)

		tr := tree(root)
		tr.GeometricError = 0.01

		res := New(baseOptions()).SelectTiles(tr, frame(1))
		require.Error(t, res.Err)
		require.True(t, tooling.IsType(res.Err, models.ErrTypeBudgetExceeded))
		require.Empty(t, res.Selected)
		require.Empty(t, res.Requested)
	})

	t.Run("leaf root without geometric error is selected", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 0, models.RefineReplace)
		load(t, root)

		res := New(baseOptions()).SelectTiles(tree(root), frame(1))
		require.NoError(t, res.Err)
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.Empty(t, res.Requested)
	})

	t.Run("tileset without geometric error selects nothing", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 0, models.RefineReplace)
		load(t, root)

		tr := tree(root)
		tr.GeometricError = 0

		res := New(baseOptions()).SelectTiles(tr, frame(1))
		require.Error(t, res.Err)
		require.True(t, tooling.IsType(res.Err, models.ErrTypeBudgetExceeded))
		require.Empty(t, res.Selected)
		require.Empty(t, res.Requested)
		require.Zero(t, res.Stats.Visited)
	})

	t.Run("invisible root", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, 500, 50), 10, models.RefineReplace)
		load(t, root)

		res := New(baseOptions()).SelectTiles(tree(root), frame(1))
		require.NoError(t, res.Err)
		require.Empty(t, res.Selected)
		require.Zero(t, res.Stats.Visited)
	})

	t.Run("nil root", func(t *testing.T) {
		res := New(baseOptions()).SelectTiles(Tree{}, frame(1))
		require.NoError(t, res.Err)
		require.Empty(t, res.Selected)
	})
}

func TestSelectTilesReplacement(t *testing.T) {
	root, children := quad()
	load(t, root)

	tr := tree(root)
	traverser := New(baseOptions())

	t.Run("parent is kept until children are loaded", func(t *testing.T) {
		res := traverser.SelectTiles(tr, frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.ElementsMatch(t, children, res.Requested)
		require.Equal(t, 5, res.Stats.Visited)
		require.False(t, root.Refines)
	})

	t.Run("parent is not selected twice", func(t *testing.T) {
		res := traverser.SelectTiles(tr, frame(2))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.Empty(t, res.NewlySelected)
	})

	t.Run("parent is partially refined", func(t *testing.T) {
		load(t, children[0], children[1])

		res := traverser.SelectTiles(tr, frame(3))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.ElementsMatch(t, children[2:], res.Requested)
	})

	t.Run("children replace the parent once loaded", func(t *testing.T) {
		load(t, children[2], children[3])

		res := traverser.SelectTiles(tr, frame(4))
		require.ElementsMatch(t, children, res.Selected)
		require.ElementsMatch(t, children, res.NewlySelected)
		require.NotContains(t, res.Selected, root)
		require.Empty(t, res.Requested)
		require.True(t, root.Refines)
	})

	t.Run("tree order is preserved", func(t *testing.T) {
		res := traverser.SelectTiles(tr, frame(5))
		require.Len(t, res.Selected, 4)
		require.Equal(t, children, root.Children)
	})
}

func TestSelectTilesCulledChildren(t *testing.T) {
	newTree := func() (*models.Tile, []*models.Tile, *models.Tile) {
		root := newTile("root", sphere(0, 0, -100, 1000), 10, models.RefineReplace)
		a := newTile("a", sphere(-20, 0, -100, 20), 0, models.RefineReplace)
		b := newTile("b", sphere(20, 0, -100, 20), 0, models.RefineReplace)
		behind := newTile("behind", sphere(0, 0, 500, 20), 0, models.RefineReplace)
		root.AddChild(a)
		root.AddChild(b)
		root.AddChild(behind)
		load(t, root)
		return root, []*models.Tile{a, b}, behind
	}

	t.Run("culled children are not visited nor requested", func(t *testing.T) {
		root, visible, behind := newTree()
		traverser := New(baseOptions())

		res := traverser.SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.ElementsMatch(t, visible, res.Requested)
		require.False(t, behind.Visible)
		require.NotEqual(t, uint64(1), behind.VisitedFrame)

		load(t, visible...)
		res = traverser.SelectTiles(tree(root), frame(2))
		require.ElementsMatch(t, visible, res.Selected)
		require.Empty(t, res.Requested)
		require.Equal(t, models.ContentUnloaded, behind.State)
	})

	t.Run("siblings are loaded on demand", func(t *testing.T) {
		root, visible, behind := newTree()

		opts := baseOptions()
		opts.LoadSiblings = true

		res := New(opts).SelectTiles(tree(root), frame(1))
		require.ElementsMatch(t, append(visible, behind), res.Requested)
		require.NotContains(t, res.Selected, behind)
	})

	t.Run("tiles without visible children are culled", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 1000), 10, models.RefineReplace)
		root.AddChild(newTile("behind", sphere(0, 0, 500, 20), 0, models.RefineReplace))
		load(t, root)

		opts := baseOptions()
		opts.CullWithChildrenBounds = true

		res := New(opts).SelectTiles(tree(root), frame(1))
		require.Empty(t, res.Selected)
		require.Equal(t, 1, res.Stats.CulledWithChildrenUnion)
	})
}

func TestSelectTilesWithoutBoundingVolume(t *testing.T) {
	t.Run("child inherits a visible parent", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
		child := newTile("child", nil, 0, models.RefineReplace)
		root.AddChild(child)
		load(t, root, child)

		res := New(baseOptions()).SelectTiles(tree(root), frame(1))
		require.NoError(t, res.Err)
		require.True(t, child.Visible)
		require.Equal(t, root.DistanceToCamera, child.DistanceToCamera)
		require.Equal(t, []*models.Tile{child}, res.Selected)
	})

	t.Run("child inherits a culled parent", func(t *testing.T) {
		root := newTile("root", sphere(0, 0, 500, 50), 10, models.RefineReplace)
		child := newTile("child", nil, 0, models.RefineReplace)
		root.AddChild(child)
		load(t, root, child)

		fs := frame(1)
		res := New(baseOptions()).SelectTiles(tree(root), fs)
		require.NoError(t, res.Err)
		require.Empty(t, res.Selected)
		require.False(t, root.Visible)

		child.UpdateVisibility(fs)
		require.False(t, child.Visible)
	})
}

func TestSelectTilesAdditive(t *testing.T) {
	root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineAdd)
	child := newTile("child", sphere(0, 0, -100, 20), 0, models.RefineAdd)
	root.AddChild(child)
	load(t, root)

	traverser := New(baseOptions())

	t.Run("parent is rendered while the child loads", func(t *testing.T) {
		res := traverser.SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.Equal(t, []*models.Tile{child}, res.Requested)
	})

	t.Run("parent and child are rendered together", func(t *testing.T) {
		load(t, child)

		res := traverser.SelectTiles(tree(root), frame(2))
		require.ElementsMatch(t, []*models.Tile{root, child}, res.Selected)
	})

	t.Run("children meeting the error with the parent error are culled", func(t *testing.T) {
		opts := baseOptions()
		opts.MaximumScreenSpaceError = 150

		res := New(opts).SelectTiles(tree(root), frame(3))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.False(t, child.Visible)
	})
}

func TestSelectTilesErroredChild(t *testing.T) {
	root, children := quad()
	load(t, root, children[0], children[1], children[2])
	fail(t, children[3])

	res := New(baseOptions()).SelectTiles(tree(root), frame(1))
	require.NoError(t, res.Err)
	require.ElementsMatch(t, children[:3], res.Selected)
	require.NotContains(t, res.Selected, root)
	require.Empty(t, res.Requested)
	require.Contains(t, res.Empty, children[3])
}

func TestSelectTilesEmptyTiles(t *testing.T) {
	root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
	empty := models.NewTile("empty", sphere(0, 0, -100, 40), 10, models.RefineReplace, "")
	a := newTile("a", sphere(-10, 0, -100, 10), 0, models.RefineReplace)
	b := newTile("b", sphere(10, 0, -100, 10), 0, models.RefineReplace)
	root.AddChild(empty)
	empty.AddChild(a)
	empty.AddChild(b)
	load(t, root)

	traverser := New(baseOptions())

	t.Run("parent waits for the descendants of empty children", func(t *testing.T) {
		res := traverser.SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.ElementsMatch(t, []*models.Tile{a, b}, res.Requested)
		require.Equal(t, []*models.Tile{empty}, res.Empty)
		require.Equal(t, 1, res.Stats.EmptyTiles)
	})

	t.Run("parent refines through empty children", func(t *testing.T) {
		load(t, a, b)

		res := traverser.SelectTiles(tree(root), frame(2))
		require.ElementsMatch(t, []*models.Tile{a, b}, res.Selected)
		require.NotContains(t, res.Selected, empty)
	})
}

func TestSelectTilesSkipLevelOfDetail(t *testing.T) {
	newTree := func() (root, child, a, b *models.Tile) {
		root = newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
		child = newTile("child", sphere(0, 0, -100, 20), 5, models.RefineReplace)
		a = newTile("a", sphere(-10, 0, -100, 10), 0, models.RefineReplace)
		b = newTile("b", sphere(10, 0, -100, 10), 0, models.RefineReplace)
		root.AddChild(child)
		child.AddChild(a)
		child.AddChild(b)
		load(t, root)
		return root, child, a, b
	}

	opts := Options{
		MaximumScreenSpaceError:    16,
		SkipLevelOfDetail:          true,
		BaseScreenSpaceError:       1024,
		SkipScreenSpaceErrorFactor: 16,
		SkipLevels:                 1,
	}

	t.Run("intermediate levels are skipped", func(t *testing.T) {
		root, child, a, b := newTree()
		traverser := New(opts)

		res := traverser.SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.True(t, root.FinalResolution)
		require.ElementsMatch(t, []*models.Tile{a, b}, res.Requested)
		require.NotContains(t, res.Requested, child)

		load(t, a, b)
		res = traverser.SelectTiles(tree(root), frame(2))
		require.ElementsMatch(t, []*models.Tile{a, b}, res.Selected)
	})

	t.Run("loaded ancestor stands in for missing descendants", func(t *testing.T) {
		root, _, a, b := newTree()
		load(t, a)

		res := New(opts).SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{a, root}, res.Selected)
		require.False(t, root.FinalResolution)
		require.True(t, a.FinalResolution)
		require.Equal(t, []*models.Tile{b}, res.Requested)
	})

	t.Run("desired level of detail is loaded immediately", func(t *testing.T) {
		root, child, a, b := newTree()

		immediate := opts
		immediate.ImmediatelyLoadDesiredLevelOfDetail = true

		res := New(immediate).SelectTiles(tree(root), frame(1))
		require.Equal(t, []*models.Tile{root}, res.Selected)
		require.ElementsMatch(t, []*models.Tile{a, b}, res.Requested)
		require.NotContains(t, res.Requested, child)
	})
}

func TestSelectTilesTouch(t *testing.T) {
	root, children := quad()
	load(t, root)

	touched := make(toucher)
	tr := tree(root)
	tr.Cache = touched

	New(baseOptions()).SelectTiles(tr, frame(3))
	require.Len(t, touched, 5)
	for _, c := range children {
		require.Equal(t, uint64(3), touched[c])
	}
}

func TestSelectTilesExpiration(t *testing.T) {
	root := newTile("root", sphere(0, 0, -100, 50), 10, models.RefineReplace)
	load(t, root)
	root.ExpireAt = time.Now().Add(-time.Minute)

	res := New(baseOptions()).SelectTiles(tree(root), frame(1))
	require.Equal(t, models.ContentExpired, root.State)
	require.Equal(t, []*models.Tile{root}, res.Selected)
	require.Equal(t, []*models.Tile{root}, res.Requested)
}
