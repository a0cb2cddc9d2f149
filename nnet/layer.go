package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/jnb666/layerdump/num"
	"github.com/pkg/errors"
)

// Layer interface type represents one layer of the neural net.
type Layer interface {
	Name() string
	Init(q num.Queue, inShape []int) error
	InShape() []int
	OutShape() []int
	Fprop(in num.Array) num.Array
	Release()
	ToString() string
}

// Param is a named parameter array such as "weight" or "running_mean"
type Param struct {
	Name  string
	Value num.Array
}

// ParamLayer is a layer with parameters loaded from a weights file
type ParamLayer interface {
	Layer
	Params() []Param
	InitParams(q num.Queue, rng *rand.Rand)
}

// Composite layer contains a list of named child layers
type Composite interface {
	Layer
	Children() []Layer
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Name string          `json:",omitempty"`
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Named returns the layer config with the given name, which is used as the key prefix for its weights.
func Named(name string, l ConfigLayer) LayerConfig {
	c := l.Marshal()
	c.Name = name
	return c
}

// Layer types which produce a visualisation of their output.
var visualTypes = map[string]bool{
	"conv":       true,
	"maxPool":    true,
	"sequential": true,
	"avgPool":    true,
}

// Visual reports whether the output of this layer should be dumped.
func (l LayerConfig) Visual() bool {
	return visualTypes[l.Type]
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() (Layer, error) {
	var layer Layer
	var err error
	switch l.Type {
	case "conv":
		cfg := Conv{Stride: 1}
		err = unmarshal(l.Data, &cfg)
		layer = &conv{Conv: cfg}
	case "batchNorm":
		cfg := BatchNorm{Epsilon: defaultEpsilon}
		err = unmarshal(l.Data, &cfg)
		layer = &batchNorm{BatchNorm: cfg}
	case "activation":
		cfg := new(Activation)
		err = unmarshal(l.Data, cfg)
		if err == nil && cfg.Atype != "relu" {
			err = errors.Errorf("activation type %q invalid", cfg.Atype)
		}
		layer = &activation{Activation: *cfg}
	case "maxPool":
		cfg := new(MaxPool)
		err = unmarshal(l.Data, cfg)
		layer = &maxPool{MaxPool: *cfg}
	case "avgPool":
		cfg := AvgPool{Out: 1}
		err = unmarshal(l.Data, &cfg)
		layer = &avgPool{AvgPool: cfg}
	case "flatten":
		layer = &flatten{}
	case "linear":
		cfg := new(Linear)
		err = unmarshal(l.Data, cfg)
		layer = &linear{Linear: *cfg}
	case "sequential":
		cfg := new(Sequential)
		if err = unmarshal(l.Data, cfg); err == nil {
			layer, err = newSequential(cfg.Layers)
		}
	case "residual":
		cfg := new(Residual)
		if err = unmarshal(l.Data, cfg); err == nil {
			layer, err = newResidual(*cfg)
		}
	default:
		return nil, errors.Errorf("invalid layer type: %q", l.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "layer %s", l.Name)
	}
	setName(layer, l.Name)
	return layer, nil
}

func (l LayerConfig) String() string {
	layer, err := l.Unmarshal()
	if err != nil {
		return "invalid: " + err.Error()
	}
	return layer.ToString()
}

// Convolutional layer, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
	Bias                      bool
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

func (c Conv) ToString() string {
	return fmt.Sprintf("conv %+v", c)
}

const defaultEpsilon = 1e-5

// Batch normalisation layer using the running mean and variance, implements ParamLayer interface.
type BatchNorm struct {
	Epsilon float64
}

func (c BatchNorm) Marshal() LayerConfig {
	if c.Epsilon == 0 {
		c.Epsilon = defaultEpsilon
	}
	return LayerConfig{Type: "batchNorm", Data: marshal(c)}
}

func (c BatchNorm) ToString() string {
	return fmt.Sprintf("batchNorm %+v", c)
}

// Activation layer, only relu is currently supported.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

func (c Activation) ToString() string {
	return fmt.Sprintf("activation %+v", c)
}

// Max pooling layer with optional padding.
type MaxPool struct {
	Size, Stride, Pad int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

func (c MaxPool) ToString() string {
	return fmt.Sprintf("maxPool %+v", c)
}

// Adaptive average pooling layer with Out x Out output. On the GPU the input height and width
// must be multiples of Out.
type AvgPool struct {
	Out int
}

func (c AvgPool) Marshal() LayerConfig {
	if c.Out == 0 {
		c.Out = 1
	}
	return LayerConfig{Type: "avgPool", Data: marshal(c)}
}

func (c AvgPool) ToString() string {
	return fmt.Sprintf("avgPool %+v", c)
}

// Flatten layer reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// Linear fully connected layer, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

func (c Linear) ToString() string {
	return fmt.Sprintf("linear %+v", c)
}

// Sequential layer applies a list of named child layers in order.
type Sequential struct {
	Layers []LayerConfig
}

func (c Sequential) Marshal() LayerConfig {
	return LayerConfig{Type: "sequential", Data: marshal(c)}
}

// Residual block: output is relu(layers(x) + downsample(x)). The downsample projection is
// only needed if the main path changes the shape.
type Residual struct {
	Layers     []LayerConfig
	Downsample []LayerConfig `json:",omitempty"`
}

func (c Residual) Marshal() LayerConfig {
	return LayerConfig{Type: "residual", Data: marshal(c)}
}

type named struct {
	name string
}

func (n *named) Name() string { return n.name }

func (n *named) setName(name string) { n.name = name }

func setName(l Layer, name string) {
	if s, ok := l.(interface{ setName(string) }); ok {
		s.setName(name)
	}
}

func prefix(l Layer) string {
	if l.Name() == "" {
		return ""
	}
	return l.Name() + ": "
}

// layer which wraps a num.Layer
type layerDNN struct {
	named
	que   num.Queue
	layer num.Layer
}

func (l *layerDNN) InShape() []int { return l.layer.InShape() }

func (l *layerDNN) OutShape() []int { return l.layer.OutShape() }

func (l *layerDNN) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in)
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst()
}

func (l *layerDNN) Release() {
	if l.layer != nil {
		l.layer.Release()
	}
}

func (l *layerDNN) params(names ...string) []Param {
	arr := l.layer.Params()
	p := make([]Param, len(arr))
	for i, a := range arr {
		p[i] = Param{Name: names[i], Value: a}
	}
	return p
}

func check4d(typ string, inShape []int) error {
	if len(inShape) != 4 {
		return errors.Errorf("%s: expect 4 dimensional input, got %v", typ, inShape)
	}
	return nil
}

func checkWindow(typ string, inShape []int, size, stride, pad int) error {
	if err := check4d(typ, inShape); err != nil {
		return err
	}
	if size < 1 || stride < 1 || pad < 0 {
		return errors.Errorf("%s: invalid size %d stride %d pad %d", typ, size, stride, pad)
	}
	if num.OutSize(inShape[2], size, stride, pad) < 1 || num.OutSize(inShape[3], size, stride, pad) < 1 {
		return errors.Errorf("%s: window %d too large for input %v", typ, size, inShape)
	}
	return nil
}

// normal distribution scaled by 1/sqrt(nin)
func randomWeights(rng *rand.Rand, size, nin int) []float32 {
	scale := 1 / math.Sqrt(float64(nin))
	w := make([]float32, size)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * scale)
	}
	return w
}

// convolutional layer implementation
type conv struct {
	Conv
	layerDNN
}

func (l *conv) Init(q num.Queue, inShape []int) error {
	if err := checkWindow("conv", inShape, l.Size, l.Stride, l.Pad); err != nil {
		return err
	}
	if l.Nfeats < 1 {
		return errors.Errorf("conv: invalid number of features %d", l.Nfeats)
	}
	l.que = q
	l.layer = q.ConvLayer(inShape, l.Nfeats, l.Size, l.Stride, l.Pad, l.Bias)
	return nil
}

func (l *conv) Params() []Param {
	return l.params("weight", "bias")
}

func (l *conv) InitParams(q num.Queue, rng *rand.Rand) {
	p := l.layer.Params()
	fanIn := num.Prod(p[0].Dims()[1:])
	q.Call(num.Write(p[0], randomWeights(rng, p[0].Size(), fanIn)))
	if len(p) > 1 {
		q.Call(num.Fill(p[1], 0))
	}
}

// batch normalisation layer implementation
type batchNorm struct {
	BatchNorm
	layerDNN
}

func (l *batchNorm) Init(q num.Queue, inShape []int) error {
	if err := check4d("batchNorm", inShape); err != nil {
		return err
	}
	l.que = q
	l.layer = q.BatchNormLayer(inShape, l.Epsilon)
	return nil
}

func (l *batchNorm) Params() []Param {
	return l.params("weight", "bias", "running_mean", "running_var")
}

func (l *batchNorm) InitParams(q num.Queue, rng *rand.Rand) {
	p := l.layer.Params()
	q.Call(num.Fill(p[0], 1), num.Fill(p[1], 0), num.Fill(p[2], 0), num.Fill(p[3], 1))
}

// relu activation layer
type activation struct {
	Activation
	layerDNN
}

func (l *activation) Init(q num.Queue, inShape []int) error {
	l.que = q
	l.layer = q.ReluLayer(inShape)
	return nil
}

// max pool layer implementation
type maxPool struct {
	MaxPool
	layerDNN
}

func (l *maxPool) Init(q num.Queue, inShape []int) error {
	if err := checkWindow("maxPool", inShape, l.Size, l.Stride, l.Pad); err != nil {
		return err
	}
	if l.Pad > l.Size/2 {
		return errors.Errorf("maxPool: pad %d should be at most half of size %d", l.Pad, l.Size)
	}
	l.que = q
	l.layer = q.MaxPoolLayer(inShape, l.Size, l.Stride, l.Pad)
	return nil
}

// adaptive average pool layer implementation
type avgPool struct {
	AvgPool
	layerDNN
}

func (l *avgPool) Init(q num.Queue, inShape []int) error {
	if err := check4d("avgPool", inShape); err != nil {
		return err
	}
	if l.Out < 1 {
		return errors.Errorf("avgPool: invalid output size %d", l.Out)
	}
	if err := num.CheckAvgPool(q, inShape, l.Out); err != nil {
		return err
	}
	l.que = q
	l.layer = q.AvgPoolLayer(inShape, l.Out)
	return nil
}

// flatten reshapes to batch size x features
type flatten struct {
	named
	inShape []int
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) Init(q num.Queue, inShape []int) error {
	if len(inShape) < 2 {
		return errors.Errorf("flatten: invalid input shape %v", inShape)
	}
	l.inShape = inShape
	return nil
}

func (l *flatten) InShape() []int { return l.inShape }

func (l *flatten) OutShape() []int {
	return []int{l.inShape[0], num.Prod(l.inShape[1:])}
}

func (l *flatten) Fprop(in num.Array) num.Array {
	return in.Reshape(l.OutShape()...)
}

func (l *flatten) Release() {}

// linear layer is implemented as a 1x1 convolution
type linear struct {
	Linear
	layerDNN
	inShape []int
}

func (l *linear) Init(q num.Queue, inShape []int) error {
	if len(inShape) != 2 {
		return errors.Errorf("linear: expect 2 dimensional input, got %v", inShape)
	}
	if l.Nout < 1 {
		return errors.Errorf("linear: invalid output size %d", l.Nout)
	}
	l.inShape = inShape
	l.que = q
	l.layer = q.ConvLayer([]int{inShape[0], inShape[1], 1, 1}, l.Nout, 1, 1, 0, true)
	return nil
}

func (l *linear) InShape() []int { return l.inShape }

func (l *linear) OutShape() []int { return []int{l.inShape[0], l.Nout} }

func (l *linear) Fprop(in num.Array) num.Array {
	l.layer.SetSrc(in.Reshape(l.inShape[0], l.inShape[1], 1, 1))
	l.que.Call(num.Fprop(l.layer))
	return l.layer.Dst().Reshape(l.OutShape()...)
}

func (l *linear) Params() []Param {
	return l.params("weight", "bias")
}

func (l *linear) InitParams(q num.Queue, rng *rand.Rand) {
	p := l.layer.Params()
	q.Call(
		num.Write(p[0], randomWeights(rng, p[0].Size(), l.inShape[1])),
		num.Fill(p[1], 0),
	)
}

// sequential container
type sequential struct {
	named
	layers  []Layer
	inShape []int
}

func newSequential(configs []LayerConfig) (*sequential, error) {
	if len(configs) == 0 {
		return nil, errors.New("sequential: no layers")
	}
	s := &sequential{}
	for i, c := range configs {
		if c.Name == "" {
			c.Name = fmt.Sprint(i)
		}
		l, err := c.Unmarshal()
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, l)
	}
	return s, nil
}

func (l *sequential) Init(q num.Queue, inShape []int) error {
	l.inShape = inShape
	shape := inShape
	for _, layer := range l.layers {
		if err := layer.Init(q, shape); err != nil {
			return errors.Wrap(err, layer.Name())
		}
		shape = layer.OutShape()
	}
	return nil
}

func (l *sequential) InShape() []int { return l.inShape }

func (l *sequential) OutShape() []int { return l.layers[len(l.layers)-1].OutShape() }

func (l *sequential) Children() []Layer { return l.layers }

func (l *sequential) Fprop(in num.Array) num.Array {
	for _, layer := range l.layers {
		in = layer.Fprop(in)
	}
	return in
}

func (l *sequential) Release() {
	for _, layer := range l.layers {
		layer.Release()
	}
}

func (l *sequential) ToString() string {
	s := make([]string, len(l.layers))
	for i, layer := range l.layers {
		s[i] = prefix(layer) + layer.ToString()
	}
	return "sequential [" + strings.Join(s, ", ") + "]"
}

// residual block implementation
type residual struct {
	named
	main       *sequential
	downsample *sequential
	que        num.Queue
	relu       num.Layer
}

func newResidual(c Residual) (*residual, error) {
	l := &residual{}
	var err error
	if l.main, err = newSequential(c.Layers); err != nil {
		return nil, err
	}
	if len(c.Downsample) > 0 {
		if l.downsample, err = newSequential(c.Downsample); err != nil {
			return nil, err
		}
		l.downsample.setName("downsample")
	}
	return l, nil
}

func (l *residual) Init(q num.Queue, inShape []int) error {
	l.que = q
	if err := l.main.Init(q, inShape); err != nil {
		return err
	}
	outShape := l.main.OutShape()
	if l.downsample != nil {
		if err := l.downsample.Init(q, inShape); err != nil {
			return errors.Wrap(err, "downsample")
		}
		if !num.SameShape(l.downsample.OutShape(), outShape) {
			return errors.Errorf("residual: downsample shape %v does not match %v", l.downsample.OutShape(), outShape)
		}
	} else if !num.SameShape(inShape, outShape) {
		return errors.Errorf("residual: output shape %v differs from input %v without downsample", outShape, inShape)
	}
	l.relu = q.ReluLayer(outShape)
	return nil
}

func (l *residual) InShape() []int { return l.main.InShape() }

func (l *residual) OutShape() []int { return l.main.OutShape() }

func (l *residual) Children() []Layer {
	children := append([]Layer{}, l.main.layers...)
	if l.downsample != nil {
		children = append(children, l.downsample)
	}
	return children
}

func (l *residual) Fprop(in num.Array) num.Array {
	out := l.main.Fprop(in)
	shortcut := in
	if l.downsample != nil {
		shortcut = l.downsample.Fprop(in)
	}
	l.relu.SetSrc(out)
	l.que.Call(
		num.Axpy(1, shortcut, out),
		num.Fprop(l.relu),
	)
	return l.relu.Dst()
}

func (l *residual) Release() {
	l.main.Release()
	if l.downsample != nil {
		l.downsample.Release()
	}
	if l.relu != nil {
		l.relu.Release()
	}
}

func (l *residual) ToString() string {
	s := "residual " + l.main.ToString()
	if l.downsample != nil {
		s += " + downsample " + l.downsample.ToString()
	}
	return s
}

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return errors.WithStack(json.Unmarshal(data, v))
}
