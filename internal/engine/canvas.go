package engine

import (
	"sync"
)

// Placement records one revealed tile.
type Placement struct {
	TileIndex int    `json:"tile_index"`
	PhotoRef  string `json:"photo_ref"`
}

const watcherBuffer = 16

// Canvas is the visual sink: a pure data model of tileIndex -> photoRef.
// Rendering is a projection of this model; nothing reads state back out of a
// presentation layer. ApplyPhoto is idempotent for identical arguments.
// Watchers receive each placement on a buffered channel; a full buffer drops
// the notification (viewers recover via Snapshot on reconnect).
type Canvas struct {
	mu       sync.RWMutex
	tiles    map[int]string
	watchers map[chan Placement]struct{}
}

// NewCanvas returns an empty canvas.
func NewCanvas() *Canvas {
	return &Canvas{
		tiles:    make(map[int]string),
		watchers: make(map[chan Placement]struct{}),
	}
}

// ApplyPhoto records photoRef at tileIndex. Reapplying the identical pair is
// a no-op; a different ref for an occupied tile wins last-writer (the
// cross-instance race surfaces here and is detected during restoration).
func (c *Canvas) ApplyPhoto(tileIndex int, photoRef string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tiles[tileIndex]; ok && existing == photoRef {
		return
	}
	c.tiles[tileIndex] = photoRef
	p := Placement{TileIndex: tileIndex, PhotoRef: photoRef}
	for ch := range c.watchers {
		select {
		case ch <- p:
		default:
			// Slow watcher; it will resync from Snapshot.
		}
	}
}

// Snapshot returns a copy of the current tile -> photo mapping.
func (c *Canvas) Snapshot() map[int]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]string, len(c.tiles))
	for k, v := range c.tiles {
		out[k] = v
	}
	return out
}

// FilledCount returns the number of occupied tiles.
func (c *Canvas) FilledCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tiles)
}

// Reset clears every placement (new grid installed).
func (c *Canvas) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiles = make(map[int]string)
}

// Watch registers a placement feed. The returned cancel func detaches the
// watcher and closes its channel.
func (c *Canvas) Watch() (<-chan Placement, func()) {
	ch := make(chan Placement, watcherBuffer)
	c.mu.Lock()
	c.watchers[ch] = struct{}{}
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, ch)
			close(ch)
			c.mu.Unlock()
		})
	}
	return ch, cancel
}
