package cache

import (
	"context"
	"fmt"
)

// TileKey addresses an encoded tile in the shared store. Version is the
// registry version of the asset, Style the hash of the resolved style.
type TileKey struct {
	AssetID string
	Version int64
	Z       int
	X       int
	Y       int
	Style   uint64
}

func (k TileKey) String() string {
	return fmt.Sprintf("%s:%d:%d:%d:%d:%x", k.AssetID, k.Version, k.Z, k.X, k.Y, k.Style)
}

type TileValue struct {
	Data        []byte
	ContentType string
}

// TileStore is the second cache tier shared between replicas. Misses are
// reported with ok=false, not an error.
type TileStore interface {
	Get(ctx context.Context, k TileKey) (TileValue, bool, error)
	Set(ctx context.Context, k TileKey, v TileValue) error
	Close() error
}
