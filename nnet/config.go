package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/jnb666/layerdump/img"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Data directory holding network configs and weights files
var DataDir = defaultDataDir()

func defaultDataDir() string {
	if dir := os.Getenv("LAYERDUMP_DATA"); dir != "" {
		return dir
	}
	exe, err := os.Executable()
	if err != nil {
		return "data"
	}
	return filepath.Join(filepath.Dir(exe), "data")
}

// Model configuration settings
type Config struct {
	Model      string
	Weights    string
	StopAt     string
	ResizeSize int
	CropSize   int
	Mean       []float32
	StdDev     []float32
	UseGPU     bool
	DebugLevel int
	Profile    bool
	Layers     []LayerConfig
}

// Load network from json file, relative paths which do not exist are looked up under DataDir
func LoadConfig(name string) (c Config, err error) {
	filePath := DataPath(name)
	f, err := os.Open(filePath)
	if err != nil {
		return c, errors.Wrap(err, "error loading config")
	}
	defer f.Close()
	log.Infof("loading network config from %s", filePath)
	dec := json.NewDecoder(f)
	if err = dec.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "error decoding %s", filePath)
	}
	return c, nil
}

// DataPath returns the path to a data file: name itself if it exists or is absolute, else name under DataDir.
func DataPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return filepath.Join(DataDir, name)
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...LayerConfig) Config {
	c.Layers = append(c.Layers, layers...)
	return c
}

// Save config to JSON file, written to a temporary file first and then renamed
func (c Config) Save(filePath string) error {
	tmpPath := filepath.Join(filepath.Dir(filePath), "."+filepath.Base(filePath))
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.WithStack(err)
	}
	log.Infof("saving network config to %s", filePath)
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		f.Close()
		return errors.WithStack(err)
	}
	if err = f.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmpPath, filePath))
}

// Transformer returns the image preprocessing defined by the config
func (c Config) Transformer() (*img.Transformer, error) {
	return img.NewTransformer(img.ImageNet, c.ResizeSize, c.CropSize, c.Mean, c.StdDev)
}

// InputShape is the shape of the network input for a single image
func (c Config) InputShape() []int {
	return []int{1, 3, c.CropSize, c.CropSize}
}

func (c Config) Fields() []string {
	st := reflect.TypeOf(c)
	fld := make([]string, st.NumField()-1)
	for i := range fld {
		fld[i] = st.Field(i).Name
	}
	return fld
}

func (c Config) Get(key string) interface{} {
	s := reflect.ValueOf(c)
	return s.FieldByName(key).Interface()
}

func (c Config) configString() string {
	fields := c.Fields()
	str := []string{"== Config =="}
	for _, key := range fields {
		str = append(str, fmt.Sprintf("%-14s: %v", key, c.Get(key)))
	}
	return strings.Join(str, "\n")
}

func (c Config) String() string {
	s := c.configString()
	if c.Layers != nil {
		str := []string{"\n== Network =="}
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %-8s %s", i, layer.Name, layer))
		}
		s += strings.Join(str, "\n")
	}
	return s
}
