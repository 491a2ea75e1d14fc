package reid

import (
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync/atomic"
)

// gridExtractor turns every textured 8x8 cell of the image into a 64-float
// descriptor. Uniform cells produce nothing, so a solid frame has no features.
type gridExtractor struct {
	calls atomic.Int64
}

const gridCell = 8

func (g *gridExtractor) Extract(gray *image.Gray) ([]Descriptor, error) {
	g.calls.Add(1)
	b := gray.Bounds()
	var out []Descriptor
	for y := b.Min.Y; y+gridCell <= b.Max.Y; y += gridCell {
		for x := b.Min.X; x+gridCell <= b.Max.X; x += gridCell {
			d := make(Descriptor, 0, gridCell*gridCell)
			first := gray.GrayAt(x, y).Y
			textured := false
			for dy := 0; dy < gridCell; dy++ {
				for dx := 0; dx < gridCell; dx++ {
					v := gray.GrayAt(x+dx, y+dy).Y
					if v != first {
						textured = true
					}
					d = append(d, float32(v))
				}
			}
			if textured {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

type failingExtractor struct{}

var errExtract = errors.New("extractor exploded")

func (failingExtractor) Extract(*image.Gray) ([]Descriptor, error) {
	return nil, errExtract
}

func noiseImage(w, h int, seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 255
	}
	return img
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}
