package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/jaennil/guide_helper/media/internal/entity"
	"github.com/jaennil/guide_helper/media/internal/raster/rastertest"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

// withExif splices an APP1 segment carrying a single Make tag after the SOI
// marker of a JPEG.
func withExif(jpg []byte, maker string) []byte {
	var tiffBuf bytes.Buffer
	le := binary.LittleEndian
	tiffBuf.WriteString("II*\x00")
	binary.Write(&tiffBuf, le, uint32(8))
	binary.Write(&tiffBuf, le, uint16(1))
	binary.Write(&tiffBuf, le, uint16(0x010f))
	binary.Write(&tiffBuf, le, uint16(2))
	binary.Write(&tiffBuf, le, uint32(len(maker)+1))
	binary.Write(&tiffBuf, le, uint32(26))
	binary.Write(&tiffBuf, le, uint32(0))
	tiffBuf.WriteString(maker + "\x00")

	payload := append([]byte("Exif\x00\x00"), tiffBuf.Bytes()...)
	seg := []byte{0xff, 0xe1, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	seg = append(seg, payload...)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}

func TestSniff(t *testing.T) {
	var jpg bytes.Buffer
	jpeg.Encode(&jpg, testImage(8, 8), nil)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", encodePNG(t, testImage(4, 4)), ContentTypePNG},
		{"jpeg", jpg.Bytes(), ContentTypeJPEG},
		{"geotiff", rastertest.MustEncode(rastertest.Geo(4, 4, 1, 0, 0, 1, 1)), ContentTypeTIFF},
		{"bigtiff", rastertest.MustEncode(rastertest.Options{Width: 4, Height: 4, BigTIFF: true}), ContentTypeTIFF},
	}
	for _, tt := range tests {
		got, err := Sniff(tt.data)
		if err != nil || got != tt.want {
			t.Errorf("Sniff(%s) = %q, %v; want %q", tt.name, got, err, tt.want)
		}
	}

	for _, data := range [][]byte{[]byte("%PDF-1.7\n..."), []byte("hello world"), nil} {
		if _, err := Sniff(data); !errors.Is(err, entity.ErrUnsupportedFormat) {
			t.Errorf("Sniff(%q) = %v, want ErrUnsupportedFormat", data, err)
		}
	}
}

func TestSupported(t *testing.T) {
	if !Supported("image/PNG; charset=binary") || !Supported("image/tiff") {
		t.Fatal("supported type rejected")
	}
	if Supported("application/pdf") || Supported("") {
		t.Fatal("unsupported type accepted")
	}
	if Extension(ContentTypeTIFF) != ".tif" {
		t.Fatalf("Extension(tiff) = %q", Extension(ContentTypeTIFF))
	}
}

func TestInspectPNG(t *testing.T) {
	data := encodePNG(t, testImage(1024, 256))
	info, err := Inspect(bytes.NewReader(data), int64(len(data)), ContentTypePNG, 512)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Width != 1024 || info.Height != 256 || info.Exif != nil {
		t.Fatalf("Info = %+v", info)
	}
	if len(info.PerceptualHash) == 0 {
		t.Fatal("missing perceptual hash")
	}
	thumb, err := png.DecodeConfig(bytes.NewReader(info.Thumbnail))
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if thumb.Width != 512 || thumb.Height != 128 {
		t.Fatalf("thumbnail %dx%d, want 512x128", thumb.Width, thumb.Height)
	}
}

func TestInspectJPEGExif(t *testing.T) {
	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, testImage(64, 32), nil); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	data := withExif(jpg.Bytes(), "Canon")

	info, err := Inspect(bytes.NewReader(data), int64(len(data)), ContentTypeJPEG, 512)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.Width != 64 || info.Height != 32 {
		t.Fatalf("size %dx%d", info.Width, info.Height)
	}
	if info.Exif["Make"] != "Canon" {
		t.Fatalf("Exif = %v", info.Exif)
	}
}

func TestInspectCorrupt(t *testing.T) {
	data := encodePNG(t, testImage(16, 16))
	data = data[:len(data)/2]
	if _, err := Inspect(bytes.NewReader(data), int64(len(data)), ContentTypePNG, 64); !errors.Is(err, entity.ErrCorruptRaster) {
		t.Fatalf("Inspect truncated png = %v", err)
	}
	junk := []byte("\x89PNG\r\n\x1a\nnot really")
	if _, err := Inspect(bytes.NewReader(junk), int64(len(junk)), ContentTypePNG, 64); !errors.Is(err, entity.ErrCorruptRaster) {
		t.Fatalf("Inspect junk png = %v", err)
	}
}

func TestThumbnailKeepsSmallImages(t *testing.T) {
	out, err := Thumbnail(testImage(40, 300), 100)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	cfg, _ := png.DecodeConfig(bytes.NewReader(out))
	if cfg.Width != 13 || cfg.Height != 100 {
		t.Fatalf("thumbnail %dx%d, want 13x100", cfg.Width, cfg.Height)
	}

	out, _ = Thumbnail(testImage(40, 30), 100)
	cfg, _ = png.DecodeConfig(bytes.NewReader(out))
	if cfg.Width != 40 || cfg.Height != 30 {
		t.Fatalf("small image resized to %dx%d", cfg.Width, cfg.Height)
	}
}
