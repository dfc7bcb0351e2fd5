// Package domain defines the persistent entities, value types, and error
// taxonomy shared by the mosaic engine and its storage drivers.
package domain

// Photo is one captured photograph awaiting, or holding, a tile on the mosaic.
// Records are created by ingestion with Used=false and a nil TileIndex, and
// mutated exactly once by the reconciler when a tile is committed.
type Photo struct {
	ID        string `json:"id"`
	BlobRef   string `json:"blob_ref"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch
	Used      bool   `json:"used"`
	TileIndex *int   `json:"tile_index,omitempty"`
}

// GridConfig describes the tile grid derived for a main image. It is created
// once per session and immutable afterward; a new main image replaces it
// entirely and invalidates all tile assignments.
type GridConfig struct {
	ImageRef   string `json:"image_ref,omitempty"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
	TileSize   int    `json:"tile_size"`
	TotalTiles int    `json:"total_tiles"`
}

// TileOrder is the persisted randomized reveal sequence for a grid.
// Order is a permutation of [0, TotalTiles); entries [0, CurrentIndex) have
// been consumed and correspond 1:1 with the tile indices of used photos.
type TileOrder struct {
	Order        []int `json:"order"`
	CurrentIndex int   `json:"current_index"`
}

// MosaicState is the derived view handed to viewers. It is reconstructed from
// persisted records at startup and is not authoritative until restoration
// completes.
type MosaicState struct {
	ImageRef     string         `json:"image_ref,omitempty"`
	Cols         int            `json:"cols"`
	Rows         int            `json:"rows"`
	TileSize     int            `json:"tile_size"`
	TotalTiles   int            `json:"total_tiles"`
	CurrentIndex int            `json:"current_index"`
	TileOrder    []int          `json:"tile_order"`
	Placements   map[int]string `json:"placements"` // tileIndex -> blobRef
}

// PhotoFilter narrows ListPhotos results. A nil Used matches every record.
type PhotoFilter struct {
	Used *bool
}

// UsedFilter returns a PhotoFilter matching records with the given used flag.
func UsedFilter(used bool) PhotoFilter {
	return PhotoFilter{Used: &used}
}
