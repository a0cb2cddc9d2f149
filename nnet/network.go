// Package nnet contains routines for constructing neural networks and loading pretrained weights.
package nnet

import (
	"fmt"
	"math/rand"
	"os"
	"strings"

	"github.com/jnb666/layerdump/num"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Network type represents a multilayer neural network model.
type Network struct {
	Config
	Layers  []Layer
	Visual  []bool
	queue   num.Queue
	inShape []int
}

// New function creates a new network with the given layers. Each top level layer is tagged
// with whether its output should be visualised.
func New(q num.Queue, conf Config, inShape []int) (*Network, error) {
	n := &Network{Config: conf, queue: q, inShape: inShape}
	if len(conf.Layers) == 0 {
		return nil, errors.New("network has no layers")
	}
	shape := inShape
	for i, l := range conf.Layers {
		layer, err := l.Unmarshal()
		if err != nil {
			n.Release()
			return nil, err
		}
		if err = layer.Init(q, shape); err != nil {
			n.Release()
			return nil, errors.Wrapf(err, "layer %d %s", i, l.Name)
		}
		n.Layers = append(n.Layers, layer)
		n.Visual = append(n.Visual, l.Visual())
		shape = layer.OutShape()
		log.Debugf("layer %2d: %-8s %-10s %v", i, l.Name, l.Type, shape)
	}
	return n, nil
}

// InShape returns the shape of the input array
func (n *Network) InShape() []int { return n.inShape }

// Feed forward the input through all layers to get the predicted output
func (n *Network) Fprop(input num.Array) num.Array {
	pred := input
	for i, layer := range n.Layers {
		if n.DebugLevel >= 2 {
			log.Tracef("layer %d input\n%s", i, pred.String(n.queue))
		}
		pred = layer.Fprop(pred)
	}
	return pred
}

// Params returns all parameters keyed by their dotted path, e.g. layer1.0.bn1.running_mean
func (n *Network) Params() []Param {
	var params []Param
	for _, layer := range n.Layers {
		params = appendParams(params, "", layer)
	}
	return params
}

func appendParams(params []Param, prefix string, layer Layer) []Param {
	path := prefix + layer.Name()
	if l, ok := layer.(ParamLayer); ok {
		for _, p := range l.Params() {
			params = append(params, Param{Name: path + "." + p.Name, Value: p.Value})
		}
	}
	if l, ok := layer.(Composite); ok {
		for _, child := range l.Children() {
			params = appendParams(params, path+".", child)
		}
	}
	return params
}

// Initialise network weights using a normal distribution scaled by 1/sqrt(nin).
// Batch norm layers are set to the identity transform.
func (n *Network) InitWeights(rng *rand.Rand) {
	for _, layer := range n.Layers {
		initParams(n.queue, rng, layer)
	}
	n.queue.Finish()
}

func initParams(q num.Queue, rng *rand.Rand, layer Layer) {
	if l, ok := layer.(ParamLayer); ok {
		l.InitParams(q, rng)
	}
	if l, ok := layer.(Composite); ok {
		for _, child := range l.Children() {
			initParams(q, rng, child)
		}
	}
}

// LoadWeights copies every network parameter from the matching tensor in the weights file.
// Extra tensors in the file such as batch norm counters are ignored.
func (n *Network) LoadWeights(w *Weights) error {
	for _, p := range n.Params() {
		t, err := w.Tensor(p.Name)
		if err != nil {
			return err
		}
		if !sameSize(t.Shape, p.Value.Dims()) {
			return errors.Errorf("%s: weights shape %v does not match %v", p.Name, t.Shape, p.Value.Dims())
		}
		n.queue.Call(num.Write(p.Value, t.Data))
	}
	n.queue.Finish()
	log.Debugf("loaded %d parameter arrays", len(n.Params()))
	return nil
}

// Export current parameters as tensors for saving
func (n *Network) Tensors() []Tensor {
	var tensors []Tensor
	for _, p := range n.Params() {
		t := Tensor{Name: p.Name, Shape: p.Value.Dims(), Data: make([]float32, p.Value.Size())}
		n.queue.Call(num.Read(p.Value, t.Data))
		tensors = append(tensors, t)
	}
	n.queue.Finish()
	return tensors
}

// shapes must match ignoring dimensions of size 1
func sameSize(a, b []int) bool {
	return num.SameShape(squeeze(a), squeeze(b))
}

func squeeze(dims []int) []int {
	res := []int{}
	for _, d := range dims {
		if d != 1 {
			res = append(res, d)
		}
	}
	return res
}

// Release memory allocated on the device
func (n *Network) Release() {
	for _, layer := range n.Layers {
		layer.Release()
	}
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	for i, layer := range n.Layers {
		mark := " "
		if n.Visual[i] {
			mark = "*"
		}
		s[i] = fmt.Sprintf("%2d:%s %-8s %-12v %s", i, mark, layer.Name(), layer.OutShape(), layer.ToString())
	}
	return fmt.Sprintf("%s\n== Network ==\n%s", n.Config.configString(), strings.Join(s, "\n"))
}

// SetLogLevel sets the logging level from the debug flag: 0 for info, 1 for debug and 2 for trace.
func SetLogLevel(debug int) {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	switch {
	case debug >= 2:
		log.SetLevel(log.TraceLevel)
	case debug == 1:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// Exit in case of error, printing the stack trace
func CheckErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
