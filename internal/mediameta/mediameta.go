// Package mediameta extracts lightweight metadata from stored media files
// without fully decoding them.
package mediameta

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/webp"
)

// Dimensions holds pixel width and height of an image.
type Dimensions struct {
	Width  int
	Height int
}

// ImageDimensions reads just the header of an image file. Supported formats:
// PNG, JPEG, GIF and WebP.
func ImageDimensions(path string) (Dimensions, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dimensions{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Dimensions{}, fmt.Errorf("mediameta: decode %s: %w", path, err)
	}
	return Dimensions{Width: cfg.Width, Height: cfg.Height}, nil
}
