package asset

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const assetColumns = `id, tenant_id, backend_kind, storage_key, content_type, original_filename,
	size_bytes, sha256, width, height, exif, perceptual_hash, thumbnail_key, geo,
	version, active, created_at, updated_at`

type SQLiteRegistry struct {
	db     *sql.DB
	logger logger.Logger
	now    func() time.Time
}

var _ Registry = (*SQLiteRegistry)(nil)

func NewSQLiteRegistry(dsn string, l logger.Logger) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	r := &SQLiteRegistry{
		db:     db,
		logger: l,
		now:    time.Now,
	}

	err = r.runMigrations()
	if err != nil {
		db.Close()
		return nil, err
	}

	l.Info("sqlite asset registry initialized", "dsn", dsn)

	return r, nil
}

func (r *SQLiteRegistry) runMigrations() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(r.db, "migrations")
	if err != nil {
		return fmt.Errorf("migrate asset registry: %w", err)
	}

	return nil
}

func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) Create(ctx context.Context, a entity.Asset) (entity.Asset, error) {
	r.logger.Debug("registry create", "id", a.ID, "tenant", a.TenantID, "key", a.StorageKey)

	if a.Geo != nil {
		if err := a.Geo.Validate(); err != nil {
			return entity.Asset{}, err
		}
	}

	now := r.now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.Active = true
	if a.Version == 0 {
		a.Version = 1
	}

	exif, err := nullJSON(a.Exif, len(a.Exif) == 0)
	if err != nil {
		return entity.Asset{}, err
	}
	geo, err := nullJSON(a.Geo, a.Geo == nil)
	if err != nil {
		return entity.Asset{}, err
	}

	query := `INSERT INTO assets (` + assetColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID, a.TenantID, string(a.BackendKind), a.StorageKey, a.ContentType, a.OriginalFilename,
		a.SizeBytes, a.SHA256, a.Width, a.Height, exif, a.PerceptualHash, a.ThumbnailKey, geo,
		a.Version, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return entity.Asset{}, fmt.Errorf("asset %s/%s: %w", a.BackendKind, a.StorageKey, entity.ErrDuplicateKey)
		}
		r.logger.Error("registry create failed", "id", a.ID, "error", err)
		return entity.Asset{}, err
	}

	return a, nil
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (entity.Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = ?`

	a, err := scanAsset(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Asset{}, fmt.Errorf("asset %s: %w", id, entity.ErrNotFound)
		}
		r.logger.Error("registry get failed", "id", id, "error", err)
		return entity.Asset{}, err
	}
	return a, nil
}

func (r *SQLiteRegistry) ListByTenant(ctx context.Context, tenantID string, f Filter) iter.Seq2[entity.Asset, error] {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	return func(yield func(entity.Asset, error) bool) {
		var (
			cursorSet     bool
			cursorCreated int64
			cursorID      string
		)
		for {
			page, err := r.listPage(ctx, tenantID, f, pageSize, cursorSet, cursorCreated, cursorID)
			if err != nil {
				yield(entity.Asset{}, err)
				return
			}
			for _, a := range page {
				if !yield(a, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			last := page[len(page)-1]
			cursorSet = true
			cursorCreated = last.CreatedAt.UnixNano()
			cursorID = last.ID
		}
	}
}

func (r *SQLiteRegistry) listPage(ctx context.Context, tenantID string, f Filter, limit int, after bool, createdAt int64, id string) ([]entity.Asset, error) {
	var (
		where = []string{"tenant_id = ?"}
		args  = []any{tenantID}
	)
	if f.ActiveOnly {
		where = append(where, "active = 1")
	}
	if f.GeoOnly {
		where = append(where, "geo IS NOT NULL")
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, `LOWER(original_filename) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(q))+"%")
	}
	if after {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, createdAt, createdAt, id)
	}
	args = append(args, limit)

	query := `SELECT ` + assetColumns + ` FROM assets
	WHERE ` + strings.Join(where, " AND ") + `
	ORDER BY created_at DESC, id DESC
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("registry list failed", "tenant", tenantID, "error", err)
		return nil, err
	}
	defer rows.Close()

	page := make([]entity.Asset, 0, limit)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, a)
	}
	return page, rows.Err()
}

func (r *SQLiteRegistry) SoftDelete(ctx context.Context, tenantID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	r.logger.Debug("registry soft delete", "tenant", tenantID, "ids", len(ids))

	now := r.now().UTC().UnixNano()
	args := []any{now, now, tenantID}
	for _, id := range ids {
		args = append(args, id)
	}

	query := `UPDATE assets SET active = 0, updated_at = ?, deleted_at = ?
	WHERE tenant_id = ? AND active = 1 AND id IN (` + placeholders(len(ids)) + `)`

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("registry soft delete failed", "tenant", tenantID, "error", err)
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRegistry) BumpVersion(ctx context.Context, id string) (entity.Asset, error) {
	query := `UPDATE assets SET version = version + 1, updated_at = ? WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, r.now().UTC().UnixNano(), id)
	if err != nil {
		return entity.Asset{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.Asset{}, fmt.Errorf("asset %s: %w", id, entity.ErrNotFound)
	}
	return r.Get(ctx, id)
}

func (r *SQLiteRegistry) ListReapable(ctx context.Context, olderThan time.Time, limit int) ([]entity.Asset, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	query := `SELECT ` + assetColumns + ` FROM assets
	WHERE active = 0 AND deleted_at <= ?
	ORDER BY deleted_at
	LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, olderThan.UTC().UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) Purge(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ? AND active = 0`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(s rowScanner) (entity.Asset, error) {
	var (
		a                    entity.Asset
		backendKind          string
		exif, geo            sql.NullString
		active               int
		createdAt, updatedAt int64
	)
	err := s.Scan(
		&a.ID, &a.TenantID, &backendKind, &a.StorageKey, &a.ContentType, &a.OriginalFilename,
		&a.SizeBytes, &a.SHA256, &a.Width, &a.Height, &exif, &a.PerceptualHash, &a.ThumbnailKey, &geo,
		&a.Version, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		return entity.Asset{}, err
	}

	a.BackendKind = entity.BackendKind(backendKind)
	a.Active = active == 1
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if exif.Valid {
		if err := json.Unmarshal([]byte(exif.String), &a.Exif); err != nil {
			return entity.Asset{}, fmt.Errorf("decode exif of %s: %w", a.ID, err)
		}
	}
	if geo.Valid {
		var g entity.Geo
		if err := json.Unmarshal([]byte(geo.String), &g); err != nil {
			return entity.Asset{}, fmt.Errorf("decode geo of %s: %w", a.ID, err)
		}
		a.Geo = &g
	}
	return a, nil
}

func nullJSON(v any, null bool) (sql.NullString, error) {
	if null {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
