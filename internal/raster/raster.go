// Package raster decodes tile and preview payloads into displayable images
// and performs the cheap local scaling the viewer needs. Heavy pyramid
// generation stays in the external tile store; this package only prepares
// what is already fetched.
package raster

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"

	"golang.org/x/image/draw"

	// Register the decoders for the formats the store serves. Microscopy
	// sources are commonly TIFF; previews and tiles arrive as PNG or JPEG.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
)

// Decode turns an encoded payload into an image.
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode raster: %w", err)
	}
	_ = format
	return img, nil
}

// Dimensions reads the pixel dimensions of an encoded payload without
// decoding the pixels.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("read raster dimensions: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// ScaleToWidth resizes the image to the given width, preserving aspect
// ratio. Images already at or below the width are returned unchanged.
func ScaleToWidth(img image.Image, width int) image.Image {
	bounds := img.Bounds()
	if width <= 0 || bounds.Dx() <= width {
		return img
	}
	h := int(float64(bounds.Dy()) / float64(bounds.Dx()) * float64(width))
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, img, bounds, draw.Over, nil)
	return dst
}

// EncodePNG encodes an image as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePNG writes an image to disk as PNG.
func WritePNG(path string, img image.Image) error {
	data, err := EncodePNG(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
