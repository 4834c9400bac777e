package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "github.com/gen2brain/webp"
	"golang.org/x/image/draw"
)

// Compress decodes a jpeg, png, gif or webp image, downsamples it to fit into
// maxWidth x maxHeight keeping the aspect ratio, and encodes it as JPEG. Images that
// already fit are only re-encoded.
func Compress(data []byte, maxWidth, maxHeight, quality int) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot decode image: %w", err)
	}

	b := src.Bounds()
	width, height := fit(b.Dx(), b.Dy(), maxWidth, maxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == b.Dx() && height == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("cannot encode %s image as jpeg: %w", format, err)
	}
	return out.Bytes(), nil
}

// fit returns the largest size with the aspect ratio of width x height that fits into
// maxWidth x maxHeight. It never scales up.
func fit(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= maxWidth && height <= maxHeight {
		return width, height
	}
	w, h := maxWidth, height*maxWidth/width
	if h > maxHeight {
		w, h = width*maxHeight/height, maxHeight
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}
