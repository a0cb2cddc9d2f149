// Layerdump runs an image through a pretrained network and saves the activations of each
// convolution, pooling and residual stage as JPEG images.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jnb666/layerdump/dump"
	"github.com/jnb666/layerdump/img"
	"github.com/jnb666/layerdump/nnet"
	"github.com/jnb666/layerdump/num"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func defaultOutDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "layer_outputs"
	}
	return filepath.Join(filepath.Dir(exe), "layer_outputs")
}

func main() {
	outDir := flag.String("out_dir", defaultOutDir(), "output directory")
	model := flag.String("model", "", "network config file (default built in resnet18)")
	weights := flag.String("weights", "", "weights file in safetensors format")
	useGPU := flag.Bool("gpu", true, "use Cuda GPU acceleration")
	debug := flag.Int("debug", 0, "debug logging level")
	profile := flag.Bool("profile", false, "print profiling info")
	quality := flag.Int("quality", img.JPEGQuality, "JPEG quality")
	plotFile := flag.String("plot", "", "save plot of activation statistics to this file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: layerdump [opts] <image>")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	conf := nnet.ResNet18()
	if *model != "" {
		var err error
		conf, err = nnet.LoadConfig(*model)
		nnet.CheckErr(err)
	}
	// override config settings from command line
	if flag.CommandLine.Changed("weights") {
		conf.Weights = *weights
	}
	if flag.CommandLine.Changed("gpu") {
		conf.UseGPU = *useGPU
	}
	if flag.CommandLine.Changed("debug") {
		conf.DebugLevel = *debug
	}
	if flag.CommandLine.Changed("profile") {
		conf.Profile = *profile
	}
	nnet.SetLogLevel(conf.DebugLevel)

	nnet.CheckErr(dump.PrepareDir(*outDir))
	m, err := img.Load(flag.Arg(0))
	nnet.CheckErr(err)
	log.Debugf("loaded %s: %v", flag.Arg(0), m.Bounds())

	dev, err := num.NewDevice(conf.UseGPU)
	nnet.CheckErr(err)
	log.Info("device: ", dev)
	q := dev.NewQueue()
	q.Profiling(conf.Profile)

	net, err := nnet.New(q, conf, conf.InputShape())
	nnet.CheckErr(err)
	log.Debug(net)
	w, err := nnet.OpenWeights(nnet.DataPath(conf.Weights))
	nnet.CheckErr(err)
	nnet.CheckErr(net.LoadWeights(w))

	d, err := dump.New(q, net, *outDir)
	nnet.CheckErr(err)
	d.Quality = *quality
	input, err := d.Input(m)
	nnet.CheckErr(err)
	records, err := d.Run(input)
	nnet.CheckErr(err)

	files := 0
	for _, r := range records {
		files += len(r.Files)
	}
	log.Infof("saved %d images from %d layers to %s", files, len(records), *outDir)
	if *plotFile != "" {
		nnet.CheckErr(dump.PlotStats(records, *plotFile, 800, 500))
		log.Info("saved plot to ", *plotFile)
	}
	if conf.Profile {
		fmt.Print(q.Profile())
	}
	net.Release()
	q.Shutdown()
}
