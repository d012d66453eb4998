package raster

import (
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jaennil/guide_helper/media/internal/entity"
)

// ByteSource is random-access raster input. storage.Object satisfies it.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

const (
	blockSize   = 64 << 10
	blockCached = 64
)

// blockReader serves the many small header and IFD reads from cached
// fixed-size blocks, so a remote object is fetched in a handful of ranged
// requests.
type blockReader struct {
	src    ByteSource
	size   int64
	blocks *lru.Cache[int64, []byte]
}

func newBlockReader(src ByteSource) (*blockReader, error) {
	blocks, err := lru.New[int64, []byte](blockCached)
	if err != nil {
		return nil, err
	}
	return &blockReader{src: src, size: src.Size(), blocks: blocks}, nil
}

func (b *blockReader) block(idx int64) ([]byte, error) {
	if blk, ok := b.blocks.Get(idx); ok {
		return blk, nil
	}
	off := idx * blockSize
	n := int64(blockSize)
	if off+n > b.size {
		n = b.size - off
	}
	blk := make([]byte, n)
	if _, err := b.src.ReadAt(blk, off); err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	b.blocks.Add(idx, blk)
	return blk, nil
}

func (b *blockReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d: %w", off, entity.ErrCorruptRaster)
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= b.size {
			return n, io.EOF
		}
		blk, err := b.block(pos / blockSize)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], blk[pos%blockSize:])
	}
	return n, nil
}
