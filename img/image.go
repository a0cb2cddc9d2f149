// Package img contains routines for loading, preprocessing and saving images.
package img

import (
	"image"
	"image/color"
)

var RGBModel = color.ModelFunc(rgbModel)

// RGB color is stored as a float for each channel with values in range 0-1
type RGB struct {
	R, G, B float32
}

func (c RGB) RGBA() (r, g, b, a uint32) {
	return clampu(c.R, 0, 1), clampu(c.G, 0, 1), clampu(c.B, 0, 1), 0xffff
}

func rgbModel(c color.Color) color.Color {
	if _, ok := c.(RGB); ok {
		return c
	}
	r, g, b, _ := c.RGBA()
	return RGB{R: float32(r) / 0xffff, G: float32(g) / 0xffff, B: float32(b) / 0xffff}
}

// RGBImage type stores the image data as float32 values in row major order with r, g and b color planes stored separately.
type RGBImage struct {
	Pix    []float32
	Height int
	Width  int
}

func NewRGB(width, height int) *RGBImage {
	return &RGBImage{Pix: make([]float32, height*width*3), Height: height, Width: width}
}

// FromImage converts an 8 bit image to planar form with values scaled to 0-1. Any alpha channel is dropped.
func FromImage(src image.Image) *RGBImage {
	b := src.Bounds()
	m := NewRGB(b.Dx(), b.Dy())
	plane := m.Width * m.Height
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*m.Width + x
			m.Pix[i] = float32(c.R) / 255
			m.Pix[i+plane] = float32(c.G) / 255
			m.Pix[i+2*plane] = float32(c.B) / 255
		}
	}
	return m
}

func (m *RGBImage) Channels() int {
	return 3
}

func (m *RGBImage) ColorModel() color.Model {
	return RGBModel
}

func (m *RGBImage) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.Width, m.Height)
}

func (m *RGBImage) RGBAt(x, y int) RGB {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return RGB{}
	}
	i, plane := y*m.Width+x, m.Width*m.Height
	return RGB{R: m.Pix[i], G: m.Pix[i+plane], B: m.Pix[i+2*plane]}
}

func (m *RGBImage) At(x, y int) color.Color {
	return m.RGBAt(x, y)
}

func (m *RGBImage) Set(x, y int, c color.Color) {
	if x < 0 || x >= m.Width || y < 0 || y >= m.Height {
		return
	}
	rgb := rgbModel(c).(RGB)
	i, plane := y*m.Width+x, m.Width*m.Height
	m.Pix[i] = rgb.R
	m.Pix[i+plane] = rgb.G
	m.Pix[i+2*plane] = rgb.B
}

func (m *RGBImage) Pixels(ch int) []float32 {
	if ch >= 0 && ch <= 2 {
		return m.Pix[ch*m.Width*m.Height : (ch+1)*m.Width*m.Height]
	}
	return m.Pix
}

// Interleaved wraps 8 bit pixel data in height, width, channel order as an opaque RGBA image.
func Interleaved(width, height int, pix []uint8) *image.RGBA {
	if len(pix) != width*height*3 {
		panic("Interleaved: pixel data does not match image size")
	}
	m := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < width*height; i++ {
		copy(m.Pix[4*i:4*i+3], pix[3*i:3*i+3])
		m.Pix[4*i+3] = 0xff
	}
	return m
}

func clamp(x, x0, x1 float32) float32 {
	if x < x0 {
		return x0
	}
	if x > x1 {
		return x1
	}
	return x
}

func clampu(x, x0, x1 float32) uint32 {
	return uint32(clamp(x, x0, x1) * 0xffff)
}
