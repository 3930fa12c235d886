package cache

import (
	"container/list"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/models"
)

// Cache tracks the resident tiles of a tileset, the tiles whose content is
// loaded, ordered from the least to the most recently touched.
type Cache struct {
	mutex   sync.Mutex
	list    *list.List
	entries map[*models.Tile]*list.Element
	bytes   int
}

type entry struct {
	tile  *models.Tile
	bytes int
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		list:    list.New(),
		entries: make(map[*models.Tile]*list.Element),
	}
}

// Add makes the tile resident and touches it for the given frame.
func (c *Cache) Add(tile *models.Tile, frame uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.entries[tile]; ok {
		c.remove(e)
	}

	en := &entry{
		tile:  tile,
		bytes: contentBytes(tile),
	}
	c.entries[tile] = c.list.PushBack(en)
	c.bytes += en.bytes
	instrumentResidentChange(1, en.bytes)

	tile.TouchedFrame = frame
}

// Touch marks the tile as used during the given frame. Touching a tile more
// than once in a frame has no effect.
func (c *Cache) Touch(tile *models.Tile, frame uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if tile.TouchedFrame == frame {
		return
	}
	tile.TouchedFrame = frame

	if e, ok := c.entries[tile]; ok {
		c.list.MoveToBack(e)
	}
}

// Trim evicts the least recently touched tiles until there are at most
// maxTiles resident tiles holding at most maxBytes. A zero limit is
// unbounded. Tiles selected during the given frame and loading tiles are
// never evicted. Tiles that were not touched during the frame are evicted
// before the ones that were.
//
// The contents of the evicted tiles are released and the tiles are returned.
func (c *Cache) Trim(frame uint64, maxTiles, maxBytes int) []*models.Tile {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var evicted []*models.Tile

	for _, touched := range []bool{false, true} {
		for e := c.list.Front(); e != nil && c.overBudget(maxTiles, maxBytes); {
			next := e.Next()
			tile := e.Value.(*entry).tile

			if (tile.TouchedFrame == frame) == touched && c.evictable(tile, frame) {
				c.remove(e)
				if err := tile.Unload(); err != nil {
					logs.Warn(errors.New("unloading evicted tile failed").
						WithTag("tile", tile.ID).
						Wrap(err))
				}
				evicted = append(evicted, tile)
			}

			e = next
		}
	}

	if c.overBudget(maxTiles, maxBytes) {
		logs.WithTag("frame", frame).
			WithTag("resident", len(c.entries)).
			WithTag("max_resident", maxTiles).
			WithTag("bytes", c.bytes).
			WithTag("max_bytes", maxBytes).
			Debug("resident tiles selected in the frame exceed the cache budget")
	}

	instrumentEvictions(len(evicted))
	return evicted
}

// Unload releases the content of the tile and removes it from the cache.
func (c *Cache) Unload(tile *models.Tile) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.entries[tile]; ok {
		c.remove(e)
	}

	if tile.State == models.ContentLoading || tile.State == models.ContentUnloaded {
		return nil
	}
	return tile.Unload()
}

// Remove removes the tile from the cache without changing its state. It is
// used when a subtree is detached from its tileset.
func (c *Cache) Remove(tile *models.Tile) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if e, ok := c.entries[tile]; ok {
		c.remove(e)
	}
}

// Len returns the number of resident tiles.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Bytes returns the memory held by the resident tiles.
func (c *Cache) Bytes() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.bytes
}

// Reset unloads every resident tile.
func (c *Cache) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for e := c.list.Front(); e != nil; e = e.Next() {
		tile := e.Value.(*entry).tile
		if tile.State == models.ContentLoading {
			continue
		}

		if err := tile.Unload(); err != nil {
			logs.Warn(errors.New("unloading tile failed").
				WithTag("tile", tile.ID).
				Wrap(err))
		}
	}

	instrumentResidentChange(-len(c.entries), -c.bytes)
	c.list.Init()
	c.entries = make(map[*models.Tile]*list.Element)
	c.bytes = 0
}

func (c *Cache) overBudget(maxTiles, maxBytes int) bool {
	return (maxTiles > 0 && len(c.entries) > maxTiles) ||
		(maxBytes > 0 && c.bytes > maxBytes)
}

func (c *Cache) evictable(tile *models.Tile, frame uint64) bool {
	return tile.SelectedFrame != frame && tile.State != models.ContentLoading
}

func (c *Cache) remove(e *list.Element) {
	en := c.list.Remove(e).(*entry)
	delete(c.entries, en.tile)
	c.bytes -= en.bytes
	instrumentResidentChange(-1, -en.bytes)
}

func contentBytes(tile *models.Tile) int {
	if tile.Content == nil {
		return 0
	}
	return tile.Content.ByteLength()
}
