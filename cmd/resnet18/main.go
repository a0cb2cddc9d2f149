// Resnet18 writes the ResNet-18 network config to the data directory, optionally with a weights
// file of randomly initialised parameters for testing without the pretrained model.
package main

import (
	"math/rand"
	"os"
	"path/filepath"

	"github.com/jnb666/layerdump/nnet"
	"github.com/jnb666/layerdump/num"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

func main() {
	dir := flag.String("dir", nnet.DataDir, "output directory")
	random := flag.Bool("random", false, "also write random weights")
	seed := flag.Int64("seed", 1, "random number seed")
	flag.Parse()

	conf := nnet.ResNet18()
	nnet.CheckErr(os.MkdirAll(*dir, 0755))
	nnet.CheckErr(conf.Save(filepath.Join(*dir, conf.Model+".conf")))
	if !*random {
		return
	}
	q := num.NewCPUDevice().NewQueue()
	net, err := nnet.New(q, conf, conf.InputShape())
	nnet.CheckErr(err)
	net.InitWeights(rand.New(rand.NewSource(*seed)))
	path := filepath.Join(*dir, "random_"+conf.Weights)
	log.Info("saving random weights to ", path)
	nnet.CheckErr(nnet.SaveWeights(path, net.Tensors(), map[string]string{"format": "pt", "init": "random"}))
}
