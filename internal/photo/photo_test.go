package photo

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/example/grain-size/internal/sediment"
)

func TestDecodeRoundTripPNG(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 40, 30))
	src.Set(5, 7, color.NRGBA{R: 200, A: 255})

	data, err := EncodePNG(src)
	if err != nil {
		t.Fatalf("EncodePNG error: %v", err)
	}
	img, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if img.Bounds().Dx() != 40 || img.Bounds().Dy() != 30 {
		t.Fatalf("unexpected bounds: %v", img.Bounds())
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("not an image")} {
		if _, err := Decode(data); !errors.Is(err, sediment.ErrInvalidImage) {
			t.Fatalf("expected ErrInvalidImage, got %v", err)
		}
	}
}

func TestCrop(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	src.Set(12, 15, color.NRGBA{G: 255, A: 255})

	tile := Crop(src, image.Rect(10, 10, 20, 20))
	if tile.Bounds() != image.Rect(0, 0, 10, 10) {
		t.Fatalf("unexpected tile bounds: %v", tile.Bounds())
	}
	_, g, _, _ := tile.At(2, 5).RGBA()
	if g == 0 {
		t.Fatalf("expected the marked pixel to survive the crop")
	}
}
