package img

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func printArray(in []float32, w, h int) string {
	s := make([]string, h)
	for i := 0; i < h; i++ {
		s[i] = fmt.Sprintf("%6.3f", in[i*w:(i+1)*w])
	}
	return strings.Join(s, "\n")
}

func TestResizedSize(t *testing.T) {
	for _, tc := range []struct{ w, h, ew, eh int }{
		{640, 480, 341, 256},
		{480, 640, 256, 341},
		{300, 300, 256, 256},
		{100, 1000, 256, 2560},
	} {
		w, h := ResizedSize(tc.w, tc.h, 256)
		if w != tc.ew || h != tc.eh {
			t.Error("got", w, h, "expect", tc.ew, tc.eh)
		}
	}
}

func TestTransformShape(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 320, 240))
	trans, err := NewTransformer(ImageNet, 256, 224, []float32{0.485, 0.456, 0.406}, []float32{0.229, 0.224, 0.225})
	require.NoError(t, err)
	t.Log(trans)
	m := trans.Transform(src)
	require.Equal(t, 224, m.Width)
	require.Equal(t, 224, m.Height)
	require.Len(t, m.Pix, 3*224*224)
}

func TestCenterCrop(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 5, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			src.SetRGBA(x, y, color.RGBA{R: uint8(10*y + x), A: 255})
		}
	}
	// offsets round((5-2)/2)=2 and round((4-2)/2)=1
	trans := &Transformer{Trans: CenterCrop, CropSize: 2}
	m := trans.Transform(src)
	t.Logf("\n%s", printArray(m.Pixels(0), 2, 2))
	expect := []float32{12, 13, 22, 23}
	for i, v := range m.Pixels(0) {
		require.InDelta(t, expect[i]/255, v, 1e-6)
	}
}

func TestNormalise(t *testing.T) {
	src := image.NewUniform(color.RGBA{R: 255, G: 0, B: 51, A: 255})
	mean := []float32{0.5, 0.5, 0.5}
	std := []float32{0.5, 0.25, 0.2}
	trans, err := NewTransformer(Normalise, 0, 0, mean, std)
	require.NoError(t, err)
	m := trans.Transform(image.NewRGBA(image.Rect(0, 0, 2, 2)))
	require.InDelta(t, -1.0, m.Pixels(0)[0], 1e-6)
	rgb := FromImage(&fixed{src, image.Rect(0, 0, 3, 3)})
	for i := range rgb.Pixels(0) {
		require.InDelta(t, 1.0, rgb.Pixels(0)[i], 1e-6)
		require.InDelta(t, 0.2, rgb.Pixels(2)[i], 1e-6)
	}
	_, err = NewTransformer(Normalise, 0, 0, mean[:2], std)
	require.Error(t, err)
}

type fixed struct {
	image.Image
	bounds image.Rectangle
}

func (f *fixed) Bounds() image.Rectangle { return f.bounds }

func TestRGBImage(t *testing.T) {
	m := NewRGB(3, 2)
	m.Set(2, 1, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	require.Equal(t, RGB{R: 1}, m.RGBAt(2, 1))
	require.Equal(t, float32(1), m.Pixels(0)[5])
	require.Equal(t, RGB{}, m.RGBAt(3, 0))
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	pix := make([]uint8, 4*2*3)
	for i := range pix {
		pix[i] = uint8(i * 10)
	}
	m := Interleaved(4, 2, pix)
	require.Equal(t, color.RGBA{R: 30, G: 40, B: 50, A: 255}, m.RGBAAt(1, 0))

	path := filepath.Join(dir, "test.jpg")
	require.NoError(t, SaveJPEG(path, m, JPEGQuality))
	m2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m.Bounds(), m2.Bounds())

	pngPath := filepath.Join(dir, "test.png")
	f, err := os.Create(pngPath)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, m))
	f.Close()
	m3, err := Load(pngPath)
	require.NoError(t, err)
	require.Equal(t, uint32(30*257), first(m3.At(1, 0).RGBA()))

	_, err = Load(filepath.Join(dir, "missing.jpg"))
	require.Error(t, err)
	bad := filepath.Join(dir, "bad.jpg")
	require.NoError(t, os.WriteFile(bad, []byte("not an image"), 0644))
	_, err = Load(bad)
	require.Error(t, err)
}

func first(r, g, b, a uint32) uint32 { return r }
