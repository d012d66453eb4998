package cache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/pkg/logger"
)

func setupRedisStore(tb testing.TB) (*RedisStore, *miniredis.Miniredis) {
	tb.Helper()
	mr := miniredis.RunT(tb)
	store, err := NewRedisStore(RedisConfig{Addr: mr.Addr(), TTL: time.Hour}, logger.NewNop())
	if err != nil {
		tb.Fatalf("NewRedisStore: %v", err)
	}
	tb.Cleanup(func() { store.Close() })
	return store, mr
}

func TestStores(t *testing.T) {
	redisStore, _ := setupRedisStore(t)
	stores := map[string]TileStore{
		"map":   NewMapStore(),
		"redis": redisStore,
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			k := TileKey{AssetID: "a", Version: 1, Z: 3, X: 2, Y: 1, Style: 0xbeef}

			if _, ok, err := s.Get(ctx, k); ok || err != nil {
				t.Fatalf("Get on empty store = %v, %v", ok, err)
			}

			v := TileValue{Data: []byte{0x89, 'P', 'N', 'G', 0}, ContentType: "image/png"}
			if err := s.Set(ctx, k, v); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, ok, err := s.Get(ctx, k)
			if err != nil || !ok {
				t.Fatalf("Get = %v, %v", ok, err)
			}
			if !bytes.Equal(got.Data, v.Data) || got.ContentType != v.ContentType {
				t.Fatalf("Get = %+v, want %+v", got, v)
			}

			other := k
			other.Version = 2
			if _, ok, _ := s.Get(ctx, other); ok {
				t.Fatal("different version hit the same entry")
			}
		})
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()
	k := TileKey{AssetID: "a", Version: 1}
	if err := s.Set(ctx, k, TileValue{Data: []byte("x"), ContentType: "image/png"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ttl := mr.TTL(s.keyFor(k)); ttl != time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, k); ok {
		t.Fatal("expired tile still served")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := setupRedisStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), TileKey{AssetID: "a"})
	if !errors.Is(err, entity.ErrBackendUnavailable) {
		t.Fatalf("Get on closed redis = %v", err)
	}
	err = s.Set(context.Background(), TileKey{AssetID: "a"}, TileValue{})
	if !errors.Is(err, entity.ErrBackendUnavailable) {
		t.Fatalf("Set on closed redis = %v", err)
	}

	if _, err := NewRedisStore(RedisConfig{Addr: mr.Addr()}, logger.NewNop()); !errors.Is(err, entity.ErrBackendUnavailable) {
		t.Fatalf("NewRedisStore on closed redis = %v", err)
	}
}
