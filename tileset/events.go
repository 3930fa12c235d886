package tileset

import (
	"github.com/aukilabs/tilestream/models"
)

// Events receives the tileset lifecycle events. Events are reported from the
// goroutine that calls Update.
type Events interface {
	// OnTilesetReady is called once, the first time the tiles required by a
	// frame are all loaded.
	OnTilesetReady(ts *Tileset)

	// OnTileReady is called when a tile content is loaded.
	OnTileReady(tile *models.Tile)

	// OnTileError is called when a tile content failed to load.
	OnTileError(tile *models.Tile, err error)

	// OnTileUnload is called when a tile content is evicted.
	OnTileUnload(tile *models.Tile)

	// OnTileSelected is called when a tile is selected after not being
	// selected in the previous frame.
	OnTileSelected(tile *models.Tile)
}

// NopEvents is an Events implementation that does nothing. It can be
// embedded to implement only some of the events.
type NopEvents struct{}

func (NopEvents) OnTilesetReady(ts *Tileset)               {}
func (NopEvents) OnTileReady(tile *models.Tile)            {}
func (NopEvents) OnTileError(tile *models.Tile, err error) {}
func (NopEvents) OnTileUnload(tile *models.Tile)           {}
func (NopEvents) OnTileSelected(tile *models.Tile)         {}
