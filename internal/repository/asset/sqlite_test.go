package asset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()
	r, err := NewSQLiteRegistry(filepath.Join(t.TempDir(), "assets.db"), logger.NewNop())
	if err != nil {
		t.Fatalf("NewSQLiteRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// steppedClock advances one millisecond per call so creation order is strict.
func steppedClock() func() time.Time {
	t := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newAsset(tenant, name string) entity.Asset {
	id := uuid.NewString()
	return entity.Asset{
		ID:               id,
		TenantID:         tenant,
		BackendKind:      entity.BackendLocal,
		StorageKey:       tenant + "/" + id[:2] + "/" + id + "/original.png",
		ContentType:      "image/png",
		OriginalFilename: name,
		SizeBytes:        42,
	}
}

func testGeo() *entity.Geo {
	return &entity.Geo{
		CRS:             "EPSG:4326",
		AffineTransform: [6]float64{0, 0.1, 0, 10, 0, -0.1},
		PixelWidth:      100,
		PixelHeight:     100,
		BandCount:       2,
		BoundingBox:     entity.BoundingBox{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
		Bands: []entity.Band{
			{Type: "uint8", Kind: entity.BandContinuous, Max: 255},
			{Type: "uint8", Kind: entity.BandContinuous, Max: 255},
		},
	}
}

func TestCreateGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := newAsset("t1", "scene.tif")
	a.Geo = testGeo()
	a.Exif = map[string]string{"Make": "Canon"}

	created, err := r.Create(ctx, a)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created.Active || created.Version != 1 || created.CreatedAt.IsZero() {
		t.Fatalf("Create defaults not applied: %+v", created)
	}

	got, err := r.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Geo == nil || got.Geo.BoundingBox != a.Geo.BoundingBox || got.Geo.BandCount != 2 {
		t.Fatalf("geo not round-tripped: %+v", got.Geo)
	}
	if got.Exif["Make"] != "Canon" {
		t.Fatalf("exif not round-tripped: %v", got.Exif)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, created.CreatedAt)
	}

	if _, err := r.Get(ctx, uuid.NewString()); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestCreateDuplicateKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := newAsset("t1", "a.png")
	if _, err := r.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	b := newAsset("t1", "b.png")
	b.StorageKey = a.StorageKey
	if _, err := r.Create(ctx, b); !errors.Is(err, entity.ErrDuplicateKey) {
		t.Fatalf("Create duplicate = %v, want ErrDuplicateKey", err)
	}

	// Same key on another backend is a different object.
	b.BackendKind = entity.BackendS3
	if _, err := r.Create(ctx, b); err != nil {
		t.Fatalf("Create on other backend: %v", err)
	}
}

func TestCreateRejectsPartialGeo(t *testing.T) {
	r := newTestRegistry(t)

	a := newAsset("t1", "broken.tif")
	a.Geo = testGeo()
	a.Geo.CRS = ""
	if _, err := r.Create(context.Background(), a); !errors.Is(err, entity.ErrCorruptRaster) {
		t.Fatalf("Create with partial geo = %v, want ErrCorruptRaster", err)
	}
}

func TestListByTenantPagination(t *testing.T) {
	r := newTestRegistry(t)
	r.now = steppedClock()
	ctx := context.Background()

	var ids []string
	for i := range 7 {
		a := newAsset("t1", fmt.Sprintf("file-%d.png", i))
		if _, err := r.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, a.ID)
	}
	if _, err := r.Create(ctx, newAsset("t2", "other.png")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	seq := r.ListByTenant(ctx, "t1", Filter{PageSize: 3})

	for pass := range 2 {
		var got []string
		for a, err := range seq {
			if err != nil {
				t.Fatalf("pass %d: %v", pass, err)
			}
			got = append(got, a.ID)
		}
		if len(got) != len(ids) {
			t.Fatalf("pass %d: got %d assets, want %d", pass, len(got), len(ids))
		}
		for i := range got {
			if got[i] != ids[len(ids)-1-i] {
				t.Fatalf("pass %d: position %d = %s, want newest first", pass, i, got[i])
			}
		}
	}
}

func TestListByTenantEarlyStop(t *testing.T) {
	r := newTestRegistry(t)
	r.now = steppedClock()
	ctx := context.Background()

	for i := range 5 {
		if _, err := r.Create(ctx, newAsset("t1", fmt.Sprintf("%d.png", i))); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n := 0
	for _, err := range r.ListByTenant(ctx, "t1", Filter{PageSize: 2}) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 3 {
			break
		}
	}
	if n != 3 {
		t.Fatalf("consumed %d, want 3", n)
	}
}

func TestListByTenantFilters(t *testing.T) {
	r := newTestRegistry(t)
	r.now = steppedClock()
	ctx := context.Background()

	plain := newAsset("t1", "Holiday_Photo.jpg")
	geo := newAsset("t1", "dem_50%.tif")
	geo.Geo = testGeo()
	gone := newAsset("t1", "old.png")
	for _, a := range []entity.Asset{plain, geo, gone} {
		if _, err := r.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := r.SoftDelete(ctx, "t1", []string{gone.ID}); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{gone.ID, geo.ID, plain.ID}},
		{"active", Filter{ActiveOnly: true}, []string{geo.ID, plain.ID}},
		{"geo", Filter{GeoOnly: true}, []string{geo.ID}},
		{"query case-insensitive", Filter{Query: "holiday"}, []string{plain.ID}},
		{"query literal percent", Filter{Query: "50%"}, []string{geo.ID}},
		{"query underscore is literal", Filter{Query: "y_p"}, []string{plain.ID}},
		{"query no match", Filter{Query: "nothing"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for a, err := range r.ListByTenant(ctx, "t1", tt.filter) {
				if err != nil {
					t.Fatal(err)
				}
				got = append(got, a.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSoftDeleteCountsOnlyFlippedRows(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := newAsset("t1", "a.png")
	b := newAsset("t1", "b.png")
	foreign := newAsset("t2", "c.png")
	for _, x := range []entity.Asset{a, b, foreign} {
		if _, err := r.Create(ctx, x); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	n, err := r.SoftDelete(ctx, "t1", []string{a.ID, b.ID, foreign.ID, uuid.NewString()})
	if err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if n != 2 {
		t.Fatalf("SoftDelete = %d, want 2", n)
	}

	n, err = r.SoftDelete(ctx, "t1", []string{a.ID})
	if err != nil {
		t.Fatalf("SoftDelete again: %v", err)
	}
	if n != 0 {
		t.Fatalf("second SoftDelete = %d, want 0", n)
	}

	got, err := r.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get soft-deleted: %v", err)
	}
	if got.Active {
		t.Fatal("asset still active")
	}
	if f, _ := r.Get(ctx, foreign.ID); !f.Active {
		t.Fatal("another tenant's asset was deleted")
	}
}

func TestBumpVersion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := newAsset("t1", "a.png")
	if _, err := r.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := r.BumpVersion(ctx, a.ID)
	if err != nil {
		t.Fatalf("BumpVersion: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("Version = %d, want 2", got.Version)
	}
	if _, err := r.BumpVersion(ctx, uuid.NewString()); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("BumpVersion missing = %v, want ErrNotFound", err)
	}
}

func TestReapableAndPurge(t *testing.T) {
	r := newTestRegistry(t)
	r.now = steppedClock()
	ctx := context.Background()

	live := newAsset("t1", "live.png")
	dead := newAsset("t1", "dead.png")
	for _, x := range []entity.Asset{live, dead} {
		if _, err := r.Create(ctx, x); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, err := r.SoftDelete(ctx, "t1", []string{dead.ID}); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	cutoff := r.now()

	reapable, err := r.ListReapable(ctx, cutoff, 10)
	if err != nil {
		t.Fatalf("ListReapable: %v", err)
	}
	if len(reapable) != 1 || reapable[0].ID != dead.ID {
		t.Fatalf("ListReapable = %v", reapable)
	}

	early, err := r.ListReapable(ctx, cutoff.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListReapable: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("grace period ignored: %v", early)
	}

	if err := r.Purge(ctx, live.ID); err != nil {
		t.Fatalf("Purge live: %v", err)
	}
	if _, err := r.Get(ctx, live.ID); err != nil {
		t.Fatalf("active asset was purged: %v", err)
	}

	if err := r.Purge(ctx, dead.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := r.Get(ctx, dead.ID); !errors.Is(err, entity.ErrNotFound) {
		t.Fatalf("Get purged = %v, want ErrNotFound", err)
	}
}
