package dump

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"testing"

	"github.com/jnb666/layerdump/nnet"
	"github.com/jnb666/layerdump/num"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dev = num.NewCPUDevice()

func TestGroups(t *testing.T) {
	g := Groups(64)
	require.Len(t, g, 21)
	assert.Equal(t, 0, g[0])
	assert.Equal(t, 60, g[20])
	assert.Equal(t, []int{0}, Groups(6))
	assert.Equal(t, []int{0, 3}, Groups(7))
	assert.Nil(t, Groups(3))
	assert.Len(t, Groups(512), 170)
}

func TestStretch(t *testing.T) {
	vals := make([]float32, 11)
	for i := range vals {
		vals[i] = float32(i)
	}
	res := Stretch(vals)
	t.Log(res)
	assert.Equal(t, []uint8{0, 0, 28, 56, 85, 113, 141, 170, 198, 226, 255}, res)

	// divisor is the 90% quantile of the original values
	for i := range vals {
		vals[i] += 10
	}
	res = Stretch(vals)
	assert.Equal(t, uint8(0), res[1])
	assert.Equal(t, uint8(120), res[10])

	assert.Equal(t, []uint8{0, 0, 0}, Stretch([]float32{float32(math.NaN()), 1, 2}))
	assert.Equal(t, []uint8{0, 0, 0, 0}, Stretch([]float32{2, 2, 2, 2}))
}

func TestPermute(t *testing.T) {
	data := []float32{0, 1, 2, 3, 10, 11, 12, 13, 20, 21, 22, 23, 30, 31, 32, 33}
	assert.Equal(t, []float32{10, 20, 30, 11, 21, 31, 12, 22, 32, 13, 23, 33}, permute(data, 1, 2, 2))
}

func TestRecordString(t *testing.T) {
	r := Record{Index: 1, Layer: 3, Name: "maxpool", Shape: []int{1, 64, 56, 56}, Files: make([]string, 21)}
	s := r.String()
	t.Log(s)
	assert.Contains(t, s, "01 maxpool  [1 64 56 56]      21 files")
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "03_0060.jpg", FileName(3, 60))
	assert.Equal(t, "12_0510.jpg", FileName(12, 510))
	c, o, ok := ParseName("07_0123.jpg")
	assert.True(t, ok)
	assert.Equal(t, 7, c)
	assert.Equal(t, 123, o)
	for _, name := range []string{"7_0123.jpg", "07_123.jpg", "07_0123.png", "x07_0123.jpg"} {
		_, _, ok = ParseName(name)
		assert.False(t, ok, name)
	}
}

func TestPrepareDir(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "a", "out")
	require.NoError(t, PrepareDir(dir))
	require.DirExists(t, dir)

	for _, name := range []string{"00_0000.jpg", "old.jpg"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, PrepareDir(dir))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	for _, name := range []string{"00_0000.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	err = PrepareDir(dir)
	require.Error(t, err)
	t.Log(err)
	assert.FileExists(t, filepath.Join(dir, "00_0000.jpg"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))

	file := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
	assert.Error(t, PrepareDir(file))
}

func testNetwork(t *testing.T, q num.Queue) *nnet.Network {
	conf := nnet.ResNet18()
	conf.Layers = nil
	conf.ResizeSize = 20
	conf.CropSize = 16
	conf = conf.AddLayers(
		nnet.Named("conv1", nnet.Conv{Nfeats: 8, Size: 3, Stride: 2, Pad: 1}),
		nnet.Named("bn1", nnet.BatchNorm{}),
		nnet.Named("relu", nnet.Activation{Atype: "relu"}),
		nnet.Named("maxpool", nnet.MaxPool{Size: 3, Stride: 2, Pad: 1}),
		nnet.Named("layer1", nnet.Sequential{Layers: []nnet.LayerConfig{
			nnet.Named("0", nnet.Conv{Nfeats: 6, Size: 3, Pad: 1}),
			nnet.Named("1", nnet.Activation{Atype: "relu"}),
		}}),
		nnet.Named("avgpool", nnet.AvgPool{Out: 1}),
		nnet.Named("flatten", nnet.Flatten{}),
		nnet.Named("fc", nnet.Linear{Nout: 3}),
	)
	net, err := nnet.New(q, conf, conf.InputShape())
	require.NoError(t, err)
	net.InitWeights(rand.New(rand.NewSource(42)))
	return net
}

func testImage() image.Image {
	m := image.NewRGBA(image.Rect(0, 0, 24, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 24; x++ {
			m.Set(x, y, color.RGBA{uint8(10 * x), uint8(12 * y), uint8(5 * (x + y)), 255})
		}
	}
	return m
}

func runDump(t *testing.T, dir string) []Record {
	q := dev.NewQueue()
	net := testNetwork(t, q)
	defer net.Release()
	d, err := New(q, net, dir)
	require.NoError(t, err)
	input, err := d.Input(testImage())
	require.NoError(t, err)
	require.NoError(t, PrepareDir(dir))
	records, err := d.Run(input)
	require.NoError(t, err)
	return records
}

func TestRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "layer_outputs")
	records := runDump(t, dir)
	require.Len(t, records, 4)
	names := []string{"conv1", "maxpool", "layer1", "avgpool"}
	shapes := [][]int{{1, 8, 8, 8}, {1, 8, 4, 4}, {1, 6, 4, 4}, {1, 6, 1, 1}}
	var expect []string
	for i, r := range records {
		t.Log(r)
		assert.Equal(t, i, r.Index)
		assert.Equal(t, names[i], r.Name)
		assert.Equal(t, shapes[i], r.Shape)
		assert.Len(t, r.Files, len(Groups(r.Shape[1])))
		expect = append(expect, r.Files...)
	}
	assert.Equal(t, []string{"00_0000.jpg", "00_0003.jpg", "01_0000.jpg", "01_0003.jpg", "02_0000.jpg", "03_0000.jpg"}, expect)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var files []string
	pattern := regexp.MustCompile(`^\d{2}_\d{4}\.jpg$`)
	for _, e := range entries {
		assert.Regexp(t, pattern, e.Name())
		files = append(files, e.Name())
	}
	sort.Strings(files)
	assert.Equal(t, expect, files)

	index, err := ReadIndex(dir)
	require.NoError(t, err)
	require.Len(t, index, 4)
	assert.Equal(t, []int{0, 3}, index[0].Offsets)
	assert.Equal(t, 64, index[0].Pixels())
	assert.Equal(t, []string{"01_0000.jpg", "01_0003.jpg"}, index[1].Files())
	assert.Equal(t, 1, index[3].Pixels())
}

func TestDeterministic(t *testing.T) {
	dir1 := filepath.Join(t.TempDir(), "out1")
	dir2 := filepath.Join(t.TempDir(), "out2")
	r1 := runDump(t, dir1)
	// second run over an existing directory with only jpg files
	r2 := runDump(t, dir2)
	runDump(t, dir2)
	require.Equal(t, len(r1), len(r2))
	for _, r := range r1 {
		for _, file := range r.Files {
			b1, err := os.ReadFile(filepath.Join(dir1, file))
			require.NoError(t, err)
			b2, err := os.ReadFile(filepath.Join(dir2, file))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(b1, b2), file)
		}
	}
}

func TestPlotStats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	records := runDump(t, dir)
	path := filepath.Join(t.TempDir(), "stats.svg")
	require.NoError(t, PlotStats(records, path, 600, 400))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.Size() > 0)

	p, err := NewPlot("test", Series{Name: "a", Values: []float64{1, 2, 3}})
	require.NoError(t, err)
	svg, err := SVG(p, 300, 200)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
}
