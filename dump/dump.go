// Package dump runs an image through a network and writes the activations of each visual layer
// to disk as contrast stretched JPEG images, one image per group of three channels.
package dump

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jnb666/layerdump/img"
	"github.com/jnb666/layerdump/nnet"
	"github.com/jnb666/layerdump/num"
	"github.com/jnb666/layerdump/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Lower and upper quantiles used for the contrast stretch
const (
	LowQuantile  = 0.1
	HighQuantile = 0.9
)

// Record describes the images written for one visual layer.
type Record struct {
	Index int
	Layer int
	Name  string
	Shape []int
	Files []string
	Stats stats.Summary
}

func (r Record) String() string {
	return fmt.Sprintf("%02d %-8s %-16s %3d files  %s", r.Index, r.Name, fmt.Sprint(r.Shape), len(r.Files), r.Stats)
}

// Dumper writes the layer outputs for a network to a directory.
type Dumper struct {
	OutDir  string
	Quality int
	net     *nnet.Network
	queue   num.Queue
	trans   *img.Transformer
}

// New creates a dumper for the network, using the preprocessing settings from its config.
func New(q num.Queue, net *nnet.Network, outDir string) (*Dumper, error) {
	trans, err := net.Config.Transformer()
	if err != nil {
		return nil, err
	}
	return &Dumper{OutDir: outDir, Quality: img.JPEGQuality, net: net, queue: q, trans: trans}, nil
}

// Input converts the image to a single sample input array on the device.
func (d *Dumper) Input(m image.Image) (num.Array, error) {
	rgb := d.trans.Transform(m)
	shape := d.net.InShape()
	if len(shape) != 4 || shape[0] != 1 || shape[1] != 3 || shape[2] != rgb.Height || shape[3] != rgb.Width {
		return nil, errors.Errorf("transformed image size %dx%d does not match network input %v", rgb.Width, rgb.Height, shape)
	}
	input := d.queue.NewArray(shape...)
	d.queue.Call(num.Write(input, rgb.Pix))
	return input, nil
}

// Run feeds the input through the top level layers until the StopAt layer is reached. After each
// visual layer the output is split into groups of 3 channels and each group is saved as a JPEG
// image named by the visual layer count and channel offset. The output directory should have
// been created with PrepareDir.
func (d *Dumper) Run(input num.Array) ([]Record, error) {
	var records []Record
	x := input
	counter := 0
	for i, layer := range d.net.Layers {
		if layer.Name() == d.net.StopAt {
			log.Debugf("stop at layer %d %s", i, layer.Name())
			break
		}
		x = layer.Fprop(x)
		if !d.net.Visual[i] {
			continue
		}
		rec, err := d.save(counter, i, layer.Name(), x)
		if err != nil {
			return records, err
		}
		log.Info(rec)
		records = append(records, rec)
		counter++
	}
	return records, nil
}

func (d *Dumper) save(counter, index int, name string, x num.Array) (Record, error) {
	rec := Record{Index: counter, Layer: index, Name: name, Shape: x.Dims()}
	if len(rec.Shape) != 4 {
		return rec, errors.Errorf("layer %s: expecting 4 dimensional output, got %v", name, rec.Shape)
	}
	c, h, w := rec.Shape[1], rec.Shape[2], rec.Shape[3]
	data := make([]float32, x.Size())
	d.queue.Call(num.Read(x, data)).Finish()
	data = data[:c*h*w]
	rec.Stats = stats.Summarize(data)
	for _, offset := range Groups(c) {
		pix := Stretch(permute(data, offset, h, w))
		file := FileName(counter, offset)
		if err := img.SaveJPEG(filepath.Join(d.OutDir, file), img.Interleaved(w, h, pix), d.Quality); err != nil {
			return rec, err
		}
		rec.Files = append(rec.Files, file)
	}
	return rec, nil
}

// Groups returns the start offsets of each group of 3 channels. Trailing channels after the
// last offset below nchan-3 are not included.
func Groups(nchan int) []int {
	var offsets []int
	for o := 0; o < nchan-3; o += 3 {
		offsets = append(offsets, o)
	}
	return offsets
}

// get channels offset to offset+2 in height, width, channel order
func permute(data []float32, offset, h, w int) []float32 {
	plane := h * w
	res := make([]float32, 3*plane)
	for ch := 0; ch < 3; ch++ {
		src := data[(offset+ch)*plane : (offset+ch+1)*plane]
		for i, v := range src {
			res[3*i+ch] = v
		}
	}
	return res
}

// Stretch maps values to 8 bits as (x - q10) / q90 clipped to [0, 1] and scaled by 255,
// where both quantiles are taken from the unshifted values. NaN values map to zero.
func Stretch(values []float32) []uint8 {
	q := stats.Quantiles32(values, LowQuantile, HighQuantile)
	q10, q90 := q[0], q[1]
	res := make([]uint8, len(values))
	for i, v := range values {
		x := (v - q10) / q90
		switch {
		case x != x:
			continue
		case x < 0:
			x = 0
		case x > 1:
			x = 1
		}
		res[i] = uint8(x * 255)
	}
	return res
}

var nameRegexp = regexp.MustCompile(`^(\d{2,})_(\d{4,})\.jpg$`)

// FileName returns the image file name for a visual layer count and channel offset.
func FileName(counter, offset int) string {
	return fmt.Sprintf("%02d_%04d.jpg", counter, offset)
}

// ParseName is the inverse of FileName.
func ParseName(name string) (counter, offset int, ok bool) {
	m := nameRegexp.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	counter, _ = strconv.Atoi(m[1])
	offset, _ = strconv.Atoi(m[2])
	return counter, offset, true
}

// PrepareDir creates an empty output directory. If the directory exists it should only contain
// .jpg files from a previous run: if so it is removed first, else an error is returned and
// nothing is deleted.
func PrepareDir(dir string) error {
	entries, err := os.ReadDir(dir)
	switch {
	case err == nil:
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".jpg") {
				return errors.Errorf("output directory %s contains %s which is not a .jpg file", dir, e.Name())
			}
		}
		log.Debugf("removing %d files from %s", len(entries), dir)
		if err := os.RemoveAll(dir); err != nil {
			return errors.WithStack(err)
		}
	case !os.IsNotExist(err):
		return errors.Wrap(err, "error reading output directory")
	}
	return errors.WithStack(os.MkdirAll(dir, 0755))
}
