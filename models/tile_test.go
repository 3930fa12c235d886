package models

import (
	"math"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
)

func newTestFrameState(frame uint64) FrameState {
	return NewFrameState(frame, culling.Camera{
		Direction: r3.Vector{Z: -1},
		Up:        r3.Vector{Y: 1},
		FovY:      math.Pi / 3,
		Aspect:    1,
		Near:      1,
		Far:       10000,
		Height:    1000,
	})
}

func TestParseRefinement(t *testing.T) {
	tests := []struct {
		value    string
		expected Refinement
		ok       bool
	}{
		{value: "ADD", expected: RefineAdd, ok: true},
		{value: "add", expected: RefineAdd, ok: true},
		{value: "REPLACE", expected: RefineReplace, ok: true},
		{value: "replace", expected: RefineReplace, ok: true},
		{value: ""},
		{value: "merge"},
	}

	for _, test := range tests {
		t.Run(test.value, func(t *testing.T) {
			refine, ok := ParseRefinement(test.value)
			require.Equal(t, test.ok, ok)
			require.Equal(t, test.expected, refine)
		})
	}
}

func TestContentKindFromURI(t *testing.T) {
	require.Equal(t, ContentKindEmpty, ContentKindFromURI(""))
	require.Equal(t, ContentKindPointCloud, ContentKindFromURI("points/0.pnts"))
	require.Equal(t, ContentKindMesh, ContentKindFromURI("b/0.b3dm"))
	require.Equal(t, ContentKindMesh, ContentKindFromURI("b/0.glb?v=2"))
	require.Equal(t, ContentKindExternalTileset, ContentKindFromURI("sub/tileset.JSON#frag"))
}

func TestTileAddChild(t *testing.T) {
	root := NewTile("root", nil, 100, RefineReplace, "")
	child := NewTile("child", nil, 10, RefineReplace, "child.b3dm")
	grandChild := NewTile("grand-child", nil, 1, RefineReplace, "grand-child.b3dm")

	child.AddChild(grandChild)
	require.Equal(t, 1, grandChild.Depth())

	root.AddChild(child)
	require.Equal(t, root, child.Parent())
	require.Equal(t, 1, child.Depth())
	require.Equal(t, 2, grandChild.Depth())
	require.Nil(t, root.Parent())

	removed := root.RemoveChildren()
	require.Equal(t, []*Tile{child}, removed)
	require.Nil(t, child.Parent())
	require.Empty(t, root.Children)
}

func TestTileWalk(t *testing.T) {
	root := NewTile("root", nil, 100, RefineReplace, "")
	a := NewTile("a", nil, 10, RefineReplace, "")
	b := NewTile("b", nil, 10, RefineReplace, "")
	a1 := NewTile("a1", nil, 1, RefineReplace, "")
	a.AddChild(a1)
	root.AddChild(a)
	root.AddChild(b)

	t.Run("visits parents before children", func(t *testing.T) {
		var ids []string
		root.Walk(func(tile *Tile) bool {
			ids = append(ids, tile.ID)
			return true
		})
		require.Equal(t, []string{"root", "a", "a1", "b"}, ids)
	})

	t.Run("skips children", func(t *testing.T) {
		var ids []string
		root.Walk(func(tile *Tile) bool {
			ids = append(ids, tile.ID)
			return tile.ID != "a"
		})
		require.Equal(t, []string{"root", "a", "b"}, ids)
	})
}

func TestTileContentPredicates(t *testing.T) {
	t.Run("empty tile", func(t *testing.T) {
		tile := NewTile("empty", nil, 1, RefineReplace, "")
		require.True(t, tile.HasEmptyContent())
		require.True(t, tile.IsEmpty())
		require.False(t, tile.HasUnloadedContent())
		require.False(t, tile.NeedsLoad())
		require.False(t, tile.ContentAvailable())
	})

	t.Run("external tileset", func(t *testing.T) {
		tile := NewTile("sub.json", nil, 1, RefineReplace, "sub.json")
		require.False(t, tile.HasEmptyContent())
		require.True(t, tile.HasTilesetContent())
		require.True(t, tile.IsEmpty())
		require.True(t, tile.NeedsLoad())
	})

	t.Run("content lifecycle", func(t *testing.T) {
		tile := NewTile("a.pnts", nil, 1, RefineReplace, "a.pnts")
		require.True(t, tile.HasUnloadedContent())
		require.True(t, tile.NeedsLoad())

		require.NoError(t, tile.SetState(ContentRequested))
		require.True(t, tile.NeedsLoad())

		require.NoError(t, tile.SetState(ContentLoading))
		require.False(t, tile.NeedsLoad())
		require.False(t, tile.ContentAvailable())

		now := time.Now()
		require.NoError(t, tile.SetContent(&PointCloudContent{PointsLength: 1, Bytes: 12}, now, 1))
		require.True(t, tile.ContentAvailable())
		require.Equal(t, now, tile.LoadedAt)

		require.NoError(t, tile.Expire())
		require.True(t, tile.ContentExpired())
		require.True(t, tile.ContentAvailable())
		require.True(t, tile.NeedsLoad())

		require.NoError(t, tile.Unload())
		require.Nil(t, tile.Content)
		require.False(t, tile.ContentAvailable())
		require.Equal(t, ContentUnloaded, tile.State)
	})

	t.Run("errored content", func(t *testing.T) {
		tile := NewTile("a.b3dm", nil, 1, RefineReplace, "a.b3dm")
		require.NoError(t, tile.SetState(ContentRequested))
		require.NoError(t, tile.SetState(ContentLoading))
		require.NoError(t, tile.SetError(errors.New("boom").WithType(ErrTypeDecode)))

		require.True(t, tile.ContentFailed())
		require.False(t, tile.ContentAvailable())
		require.False(t, tile.NeedsLoad())
		require.Equal(t, ContentKindError, tile.Content.Kind())
		require.True(t, errors.IsType(tile.Err, ErrTypeDecode))

		err := tile.Unload()
		require.Error(t, err)
		require.True(t, errors.IsType(err, ErrTypeStateTransition))
	})
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(ContentUnloaded, ContentRequested))
	require.True(t, CanTransition(ContentRequested, ContentUnloaded))
	require.True(t, CanTransition(ContentReady, ContentUnloaded))
	require.True(t, CanTransition(ContentExpired, ContentRequested))
	require.False(t, CanTransition(ContentLoading, ContentUnloaded))
	require.False(t, CanTransition(ContentUnloaded, ContentReady))
	require.False(t, CanTransition(ContentErrored, ContentRequested))
}

func TestTileUpdateVisibility(t *testing.T) {
	fs := newTestFrameState(1)

	root := NewTile("root", culling.Sphere{Center: r3.Vector{Z: -100}, Radius: 10}, 16, RefineReplace, "")
	inherited := NewTile("inherited", nil, 8, RefineReplace, "")
	behind := NewTile("behind", culling.Sphere{Center: r3.Vector{Z: 100}, Radius: 10}, 8, RefineReplace, "")
	root.AddChild(inherited)
	root.AddChild(behind)

	root.UpdateVisibility(&fs)
	inherited.UpdateVisibility(&fs)
	behind.UpdateVisibility(&fs)

	require.True(t, root.Visible)
	require.InDelta(t, 90, root.DistanceToCamera, 1e-9)
	require.InDelta(t, 16*1000/(90*fs.SSEDenominator), root.ScreenSpaceError, 1e-9)

	require.True(t, inherited.Visible)
	require.Equal(t, root.DistanceToCamera, inherited.DistanceToCamera)

	require.False(t, behind.Visible)

	t.Run("parent geometric error", func(t *testing.T) {
		sse := inherited.GetScreenSpaceError(&fs, true, 0)
		require.Equal(t, root.ScreenSpaceError, sse)

		sse = root.GetScreenSpaceError(&fs, true, 32)
		require.InDelta(t, 2*root.ScreenSpaceError, sse, 1e-9)
	})
}
