// Package imagetest builds synthetic images for tests.
package imagetest

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Solid returns a w×h image filled with c.
func Solid(c color.Color, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// SolidPNG encodes a solid image as PNG.
func SolidPNG(t testing.TB, c color.Color, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, Solid(c, w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WriteSolidPNG writes a solid PNG to path, creating parent directories.
func WriteSolidPNG(t testing.TB, path string, c color.Color, w, h int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, SolidPNG(t, c, w, h), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
}

// HeaderOnlyPNG returns a tiny PNG whose IHDR claims w×h pixels while the
// image data holds a single pixel. The header CRC is valid, so decoders trust
// the declared size.
func HeaderOnlyPNG(t testing.TB, w, h uint32) []byte {
	t.Helper()
	data := SolidPNG(t, color.RGBA{R: 1, A: 255}, 1, 1)
	// 8-byte signature, 4-byte length, "IHDR", then width and height
	const ihdrType, ihdrData, ihdrLen = 12, 16, 13
	binary.BigEndian.PutUint32(data[ihdrData:], w)
	binary.BigEndian.PutUint32(data[ihdrData+4:], h)
	crc := crc32.ChecksumIEEE(data[ihdrType : ihdrData+ihdrLen])
	binary.BigEndian.PutUint32(data[ihdrData+ihdrLen:], crc)
	return data
}
