package img

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// Types of image transformations
type TransType int

const NoTrans TransType = 0

const (
	Resize TransType = 1 << iota
	CenterCrop
	Normalise
)

// Standard preprocessing for ImageNet classifiers
const ImageNet = Resize | CenterCrop | Normalise

var transTypeNames = map[TransType]string{
	Resize:     "Resize",
	CenterCrop: "CenterCrop",
	Normalise:  "Normalise",
}

func (t TransType) String() string {
	if t == NoTrans {
		return "None"
	}
	s := []string{}
	for key, name := range transTypeNames {
		if t&key != 0 {
			s = append(s, name)
		}
	}
	sort.Strings(s)
	return strings.Join(s, " ")
}

// Transformer converts a decoded image to the planar float input expected by the network.
type Transformer struct {
	Trans      TransType
	ResizeSize int
	CropSize   int
	Mean       [3]float32
	StdDev     [3]float32
}

// Create a new transformer, mean and stddev must have one entry per color channel if normalising.
func NewTransformer(trans TransType, resize, crop int, mean, stddev []float32) (*Transformer, error) {
	t := &Transformer{Trans: trans, ResizeSize: resize, CropSize: crop}
	if trans&Resize != 0 && resize <= 0 {
		return nil, errors.Errorf("invalid resize size %d", resize)
	}
	if trans&CenterCrop != 0 && crop <= 0 {
		return nil, errors.Errorf("invalid crop size %d", crop)
	}
	if trans&Normalise != 0 {
		if len(mean) != 3 || len(stddev) != 3 {
			return nil, errors.New("normalise needs mean and stddev for 3 channels")
		}
		copy(t.Mean[:], mean)
		copy(t.StdDev[:], stddev)
		for _, s := range t.StdDev {
			if s == 0 {
				return nil, errors.New("stddev must be non zero")
			}
		}
	}
	return t, nil
}

func (t *Transformer) String() string {
	return fmt.Sprintf("transform: %s resize=%d crop=%d mean=%v std=%v", t.Trans, t.ResizeSize, t.CropSize, t.Mean, t.StdDev)
}

// Transform applies the sequence of transformations to the source image.
func (t *Transformer) Transform(src image.Image) *RGBImage {
	m := toRGB(src)
	if t.Trans&Resize != 0 {
		m = resize(m, t.ResizeSize)
	}
	if t.Trans&CenterCrop != 0 {
		m = centerCrop(m, t.CropSize)
	}
	dst := FromImage(m)
	if t.Trans&Normalise != 0 {
		for ch := 0; ch < 3; ch++ {
			pix := dst.Pixels(ch)
			for i, v := range pix {
				pix[i] = (v - t.Mean[ch]) / t.StdDev[ch]
			}
		}
	}
	return dst
}

// ResizedSize returns the new dimensions with the shorter side scaled to size, the longer
// side is truncated to keep the aspect ratio.
func ResizedSize(width, height, size int) (int, int) {
	if width <= height {
		return size, int(float64(size) * float64(height) / float64(width))
	}
	return int(float64(size) * float64(width) / float64(height)), size
}

// opaque 8 bit RGB copy of the image with alpha dropped
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	m := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			m.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return m
}

func resize(src *image.RGBA, size int) *image.RGBA {
	b := src.Bounds()
	w, h := ResizedSize(b.Dx(), b.Dy(), size)
	if w == b.Dx() && h == b.Dy() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// crop offsets are rounded half to even, regions outside the source are left black
func centerCrop(src *image.RGBA, size int) *image.RGBA {
	b := src.Bounds()
	top := int(math.RoundToEven(float64(b.Dy()-size) / 2))
	left := int(math.RoundToEven(float64(b.Dx()-size) / 2))
	if b.Dy() < size {
		top = -((size - b.Dy()) / 2)
	}
	if b.Dx() < size {
		left = -((size - b.Dx()) / 2)
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	draw.Draw(dst, dst.Bounds(), src, image.Pt(b.Min.X+left, b.Min.Y+top), draw.Src)
	return dst
}
