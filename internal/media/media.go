// Package media inspects plain image uploads: content sniffing, dimensions,
// EXIF tags, perceptual hash and PNG thumbnails.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/gabriel-vasile/mimetype"
	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/mknote"
	"github.com/rwcarlsen/goexif/tiff"
	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	ContentTypeTIFF = "image/tiff"
	ContentTypeJPEG = "image/jpeg"
	ContentTypePNG  = "image/png"

	// SniffLen is how many leading bytes Sniff needs.
	SniffLen = 3072

	// maxDecodePixels bounds full decodes for hashing and thumbnails.
	maxDecodePixels = 100_000_000
)

var extensions = map[string]string{
	ContentTypeTIFF: ".tif",
	ContentTypeJPEG: ".jpg",
	ContentTypePNG:  ".png",
	"image/gif":     ".gif",
	"image/webp":    ".webp",
	"image/bmp":     ".bmp",
}

func init() {
	exif.RegisterParsers(mknote.All...)
}

// Sniff detects the content type from the leading bytes of a file. Anything
// other than a supported image container is ErrUnsupportedFormat.
func Sniff(head []byte) (string, error) {
	if bytes.HasPrefix(head, []byte("II+\x00")) || bytes.HasPrefix(head, []byte("MM\x00+")) {
		// BigTIFF
		return ContentTypeTIFF, nil
	}
	mt := mimetype.Detect(head)
	for m := mt; m != nil; m = m.Parent() {
		if _, ok := extensions[m.String()]; ok {
			return m.String(), nil
		}
	}
	return "", fmt.Errorf("content type %s: %w", mt.String(), entity.ErrUnsupportedFormat)
}

// Supported reports whether a declared content type can be uploaded.
func Supported(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	_, ok := extensions[strings.TrimSpace(strings.ToLower(ct))]
	return ok
}

func Extension(contentType string) string {
	return extensions[contentType]
}

type Info struct {
	Width, Height  int
	Exif           map[string]string
	PerceptualHash string
	// Thumbnail is a PNG no larger than the requested size on either side.
	Thumbnail []byte
}

// Inspect reads dimensions of an image and, when it is small enough to decode
// in full, its perceptual hash and thumbnail. EXIF is read from JPEG only and
// is best effort.
func Inspect(src io.ReaderAt, size int64, contentType string, thumbSize int) (Info, error) {
	cfg, _, err := image.DecodeConfig(io.NewSectionReader(src, 0, size))
	if err != nil {
		return Info{}, fmt.Errorf("decode %s header: %v: %w", contentType, err, entity.ErrCorruptRaster)
	}
	info := Info{Width: cfg.Width, Height: cfg.Height}

	if contentType == ContentTypeJPEG {
		info.Exif = readExif(io.NewSectionReader(src, 0, size))
	}

	if cfg.Width*cfg.Height > maxDecodePixels {
		return info, nil
	}
	img, _, err := image.Decode(io.NewSectionReader(src, 0, size))
	if err != nil {
		return Info{}, fmt.Errorf("decode %s: %v: %w", contentType, err, entity.ErrCorruptRaster)
	}

	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		return Info{}, fmt.Errorf("perceptual hash: %w", err)
	}
	info.PerceptualHash = hash.ToString()

	if info.Thumbnail, err = Thumbnail(img, thumbSize); err != nil {
		return Info{}, err
	}
	return info, nil
}

type exifWalker map[string]string

func (w exifWalker) Walk(name exif.FieldName, tag *tiff.Tag) error {
	if tag.Count > 64 && tag.Format() != tiff.StringVal {
		// Maker notes and thumbnails are opaque blobs.
		return nil
	}
	w[string(name)] = strings.Trim(tag.String(), `"`)
	return nil
}

func readExif(r io.Reader) map[string]string {
	x, err := exif.Decode(r)
	if err != nil {
		return nil
	}
	tags := make(exifWalker)
	if err := x.Walk(tags); err != nil || len(tags) == 0 {
		return nil
	}
	return tags
}

// Thumbnail scales img to fit in size x size, keeping the aspect ratio, and
// encodes it as PNG. Images already small enough are only re-encoded.
func Thumbnail(img image.Image, size int) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > size || h > size {
		if w >= h {
			w, h = size, max(1, h*size/w)
		} else {
			w, h = max(1, w*size/h), size
		}
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
