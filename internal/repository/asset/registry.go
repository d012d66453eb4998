package asset

import (
	"context"
	"iter"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
)

const defaultPageSize = 100

// Filter narrows ListByTenant. The zero value lists every asset of the tenant,
// soft-deleted ones included.
type Filter struct {
	ActiveOnly bool
	GeoOnly    bool
	// Query matches a substring of the original filename, case-insensitively.
	Query    string
	PageSize int
}

// Registry is the catalog of uploaded assets.
type Registry interface {
	// Create inserts a new asset. Returns ErrDuplicateKey when another asset
	// already owns (BackendKind, StorageKey).
	Create(ctx context.Context, a entity.Asset) (entity.Asset, error)
	Get(ctx context.Context, id string) (entity.Asset, error)
	// ListByTenant yields assets newest first, fetching one page per round
	// trip. Ranging over the sequence again restarts from the first page.
	ListByTenant(ctx context.Context, tenantID string, f Filter) iter.Seq2[entity.Asset, error]
	// SoftDelete deactivates the tenant's assets among ids and returns how many
	// actually changed state.
	SoftDelete(ctx context.Context, tenantID string, ids []string) (int64, error)
	BumpVersion(ctx context.Context, id string) (entity.Asset, error)
	// ListReapable returns soft-deleted assets deleted at or before olderThan.
	ListReapable(ctx context.Context, olderThan time.Time, limit int) ([]entity.Asset, error)
	// Purge removes a soft-deleted row. Active rows are never purged.
	Purge(ctx context.Context, id string) error
	Close() error
}
