package img

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/anthonynsimon/bild/imgio"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Default JPEG quality for saved images
const JPEGQuality = 75

// Load and decode an image file
func Load(path string) (image.Image, error) {
	m, err := imgio.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading image %s", path)
	}
	return m, nil
}

// Save image in JPEG format with given quality
func SaveJPEG(path string, m image.Image, quality int) error {
	if err := imgio.Save(path, m, imgio.JPEGEncoder(quality)); err != nil {
		return errors.Wrapf(err, "error saving %s", path)
	}
	return nil
}
