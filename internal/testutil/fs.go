package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/vrsandeep/chapterdl/internal/models"
)

// PNGPage encodes a small solid-colour PNG, usable wherever real page image
// bytes are needed.
func PNGPage(t *testing.T, width, height int, shade uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: shade, G: shade, B: shade, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test page: %v", err)
	}
	return buf.Bytes()
}

// CompletedImages returns n downloaded page descriptors numbered from 1.
func CompletedImages(t *testing.T, n int) []models.ImageDescriptor {
	t.Helper()
	images := make([]models.ImageDescriptor, n)
	for i := range images {
		data := PNGPage(t, 8, 12, uint8(i*10))
		images[i] = models.ImageDescriptor{
			PageNumber:     i + 1,
			OriginalURL:    fmt.Sprintf("http://images.test/%d.png", i+1),
			DownloadStatus: models.ImageCompleted,
			FileSizeBytes:  int64(len(data)),
			Data:           data,
		}
	}
	return images
}
