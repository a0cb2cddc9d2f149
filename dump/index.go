package dump

import (
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Layer lists the images saved for one visual layer.
type Layer struct {
	Index   int
	Offsets []int
	Width   int
	Height  int
}

// Pixels is the number of pixels in each image for this layer
func (l Layer) Pixels() int { return l.Width * l.Height }

// Files returns the image file names in channel order
func (l Layer) Files() []string {
	files := make([]string, len(l.Offsets))
	for i, o := range l.Offsets {
		files[i] = FileName(l.Index, o)
	}
	return files
}

// ReadIndex scans a dump directory and returns the layers sorted by index with the channel offsets
// sorted in each. Files which do not match the naming scheme are ignored.
func ReadIndex(dir string) ([]Layer, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "error reading dump directory")
	}
	layers := map[int]*Layer{}
	for _, e := range entries {
		counter, offset, ok := ParseName(e.Name())
		if !ok || e.IsDir() {
			continue
		}
		l, found := layers[counter]
		if !found {
			l = &Layer{Index: counter}
			if l.Width, l.Height, err = imageSize(filepath.Join(dir, e.Name())); err != nil {
				return nil, err
			}
			layers[counter] = l
		}
		l.Offsets = append(l.Offsets, offset)
	}
	res := make([]Layer, 0, len(layers))
	for _, l := range layers {
		sort.Ints(l.Offsets)
		res = append(res, *l)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Index < res[j].Index })
	return res, nil
}

func imageSize(path string) (w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "error decoding %s", path)
	}
	return cfg.Width, cfg.Height, nil
}
