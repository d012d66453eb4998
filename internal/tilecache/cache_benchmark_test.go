package tilecache

import (
	"context"
	"math/rand"
	"testing"
)

const (
	smallTileSize  = 1024      // 1KB
	mediumTileSize = 10 * 1024 // 10KB
	largeTileSize  = 50 * 1024 // 50KB
)

func generateTileData(size int) []byte {
	data := make([]byte, size)
	rand.Read(data)
	return data
}

func generateRandomKey() Key {
	return Key{
		AssetID: "bench",
		Version: 1,
		X:       rand.Intn(1000),
		Y:       rand.Intn(1000),
		Z:       rand.Intn(20),
	}
}

func setupCache(b *testing.B, maxBytes int64) *Cache {
	b.Helper()
	return newTestCache(b, Config{MaxBytes: maxBytes, MaxEntries: 100000})
}

func benchmarkFill(b *testing.B, size int) {
	c := setupCache(b, 256<<20)
	data := generateTileData(size)
	fn := func(context.Context) (Entry, error) { return Entry{Data: data}, nil }
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := Key{AssetID: "bench", X: i % 1000, Y: i % 1000, Z: i % 20}
		if _, err := c.GetOrCompute(ctx, key, fn); err != nil {
			b.Fatalf("GetOrCompute failed: %v", err)
		}
	}
}

func BenchmarkFill_Small(b *testing.B)  { benchmarkFill(b, smallTileSize) }
func BenchmarkFill_Medium(b *testing.B) { benchmarkFill(b, mediumTileSize) }
func BenchmarkFill_Large(b *testing.B)  { benchmarkFill(b, largeTileSize) }

func BenchmarkHit(b *testing.B) {
	c := setupCache(b, 256<<20)
	data := generateTileData(mediumTileSize)
	fn := func(context.Context) (Entry, error) { return Entry{Data: data}, nil }
	ctx := context.Background()

	keys := make([]Key, 100)
	for i := range keys {
		keys[i] = generateRandomKey()
		c.GetOrCompute(ctx, keys[i], fn)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.GetOrCompute(ctx, keys[i%len(keys)], fn); err != nil {
			b.Fatalf("GetOrCompute failed: %v", err)
		}
	}
}

func BenchmarkConcurrentMixed(b *testing.B) {
	c := setupCache(b, 64<<20)
	data := generateTileData(smallTileSize)
	fn := func(context.Context) (Entry, error) { return Entry{Data: data}, nil }
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.GetOrCompute(ctx, generateRandomKey(), fn); err != nil {
				b.Fatalf("GetOrCompute failed: %v", err)
			}
		}
	})
}
