package web

import (
	"context"
	"fmt"
	"hash/fnv"
	"html/template"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jnb666/layerdump/dump"
	"github.com/jnb666/layerdump/img"
	"github.com/jnb666/layerdump/stats"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// LayerInfo has the images for one layer and the mean and spread of their brightness.
type LayerInfo struct {
	dump.Layer
	Images     []Image
	Brightness stats.Average
}

type Image struct {
	File   string
	Offset int
}

// DumpDir holds the index of a dump directory. Reload should be called to pick up changes.
type DumpDir struct {
	sync.Mutex
	Dir    string
	Layers []*LayerInfo
	sig    uint64
}

// Open dump directory and read the index
func OpenDumpDir(dir string) (*DumpDir, error) {
	d := &DumpDir{Dir: dir}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Layer returns the info for the layer with the given index, or nil if not found
func (d *DumpDir) Layer(index int) *LayerInfo {
	for _, l := range d.Layers {
		if l.Index == index {
			return l
		}
	}
	return nil
}

// Reload rescans the directory if any files have been added, removed or modified and reports
// whether the index has changed.
func (d *DumpDir) Reload() (bool, error) {
	sig, err := signature(d.Dir)
	if err != nil {
		return false, err
	}
	d.Lock()
	same := sig == d.sig
	d.Unlock()
	if same {
		return false, nil
	}
	index, err := dump.ReadIndex(d.Dir)
	if err != nil {
		return false, err
	}
	layers := make([]*LayerInfo, len(index))
	for i, l := range index {
		info := &LayerInfo{Layer: l}
		for j, file := range l.Files() {
			m, err := img.Load(filepath.Join(d.Dir, file))
			if err != nil {
				return false, err
			}
			info.Brightness.Add(brightness(m))
			info.Images = append(info.Images, Image{File: file, Offset: l.Offsets[j]})
		}
		layers[i] = info
	}
	d.Lock()
	d.Layers, d.sig = layers, sig
	d.Unlock()
	log.Debugf("loaded %d layers from %s", len(layers), d.Dir)
	return true, nil
}

// Watch polls the directory for changes until the context is cancelled, calling onChange
// after each successful reload. Errors are logged since a dump may be in progress.
func (d *DumpDir) Watch(ctx context.Context, interval time.Duration, onChange func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := d.Reload()
			if err != nil {
				log.Warn(err)
			} else if changed {
				onChange()
			}
		}
	}
}

// Plot of mean image brightness by layer as SVG, called with the lock held
func (d *DumpDir) Plot(width, height int) (template.HTML, error) {
	mean := dump.Series{Name: "brightness"}
	for _, l := range d.Layers {
		mean.Values = append(mean.Values, l.Brightness.Mean)
	}
	p, err := dump.NewPlot("", mean)
	if err != nil {
		return "", err
	}
	return dump.SVG(p, width, height)
}

// hash of the file names, sizes and modification times
func signature(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "error reading dump directory")
	}
	h := fnv.New64a()
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		fmt.Fprintf(h, "%s %d %d\n", e.Name(), info.Size(), info.ModTime().UnixNano())
	}
	return h.Sum64(), nil
}

// mean of the RGB values scaled to [0, 1]
func brightness(m image.Image) float64 {
	b := m.Bounds()
	sum, n := 0.0, 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := m.At(x, y).RGBA()
			sum += float64(r+g+bl) / (3 * 0xffff)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
