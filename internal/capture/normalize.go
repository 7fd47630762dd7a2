package capture

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	// Registered so picker output in these formats can be decoded.
	_ "image/gif"
	_ "image/png"

	"github.com/google/uuid"

	"github.com/BTreeMap/Dermis/internal/models"
)

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Normalize decodes raw, crops it to the aspect ratio, re-encodes it as JPEG
// and writes it to dir. The returned asset points at the written file.
func Normalize(raw []byte, opts Options, dir string) (models.ImageAsset, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return models.ImageAsset{}, fmt.Errorf("failed to decode image: %w", err)
	}

	img = cropToAspect(img, opts.AspectWidth, opts.AspectHeight)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(opts.Quality)}); err != nil {
		return models.ImageAsset{}, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+".jpg")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return models.ImageAsset{}, fmt.Errorf("failed to write image: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	b := img.Bounds()
	asset := models.ImageAsset{URI: "file://" + abs, Width: b.Dx(), Height: b.Dy()}
	if opts.Base64 {
		asset.Base64 = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return asset, nil
}

// ReadAsset loads the bytes behind a file:// URI produced by Normalize.
func ReadAsset(asset models.ImageAsset) ([]byte, error) {
	if asset.HasBase64() {
		return base64.StdEncoding.DecodeString(asset.Base64)
	}
	const prefix = "file://"
	if len(asset.URI) <= len(prefix) || asset.URI[:len(prefix)] != prefix {
		return nil, fmt.Errorf("unsupported asset uri %q", asset.URI)
	}
	return os.ReadFile(asset.URI[len(prefix):])
}

func cropToAspect(img image.Image, w, h int) image.Image {
	if w <= 0 || h <= 0 {
		return img
	}
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	cropW, cropH := srcW, srcW*h/w
	if cropH > srcH {
		cropH = srcH
		cropW = srcH * w / h
	}
	if cropW == srcW && cropH == srcH {
		return img
	}
	si, ok := img.(subImager)
	if !ok {
		return img
	}
	x0 := b.Min.X + (srcW-cropW)/2
	y0 := b.Min.Y + (srcH-cropH)/2
	return si.SubImage(image.Rect(x0, y0, x0+cropW, y0+cropH))
}

func jpegQuality(q float64) int {
	if q <= 0 {
		return jpeg.DefaultQuality
	}
	if q > 1 {
		q = 1
	}
	n := int(q * 100)
	if n < 1 {
		n = 1
	}
	return n
}
