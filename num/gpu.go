//go:build cuda

package num

import (
	"fmt"
	"runtime"
	"time"

	"github.com/jnb666/layerdump/num/cuda"
)

// GPU queue corresponds to a Cuda stream
type gpuDevice struct {
	dev cuda.Device
}

func newGPUDevice() (Device, error) {
	dev, err := cuda.NewDevice()
	if err != nil {
		return nil, err
	}
	return gpuDevice{dev: dev}, nil
}

func (d gpuDevice) String() string {
	return d.dev.String()
}

func (d gpuDevice) NewQueue() Queue {
	return &gpuQueue{
		gpuDevice: d,
		profile:   newProfile(),
		stream:    cuda.NewStream(),
	}
}

type gpuQueue struct {
	gpuDevice
	buffer [queueSize]Function
	queued int
	*profile
	stream *cuda.Stream
}

func (q *gpuQueue) Dev() Device { return q.gpuDevice }

func (q *gpuQueue) exec() {
	for _, arg := range q.buffer[:q.queued] {
		var start time.Time
		if q.enabled {
			start = time.Now()
		}
		q.execGPU(arg)
		if q.enabled {
			q.stream.Sync()
			q.add(arg, time.Since(start))
		}
	}
	q.queued = 0
}

func (q *gpuQueue) execGPU(arg Function) {
	s := q.stream
	switch arg.op {
	case opWrite:
		s.CopyToDevice(arg.a.(*arrayGPU).data, arg.host[:arg.a.Size()])
	case opRead:
		s.CopyToHost(arg.host[:arg.a.Size()], arg.a.(*arrayGPU).data)
	case opFill:
		a := arg.a.(*arrayGPU)
		s.SetTensor(a.layout(), a.data, arg.alpha)
	case opCopy:
		s.CopyDevice(arg.a.(*arrayGPU).data, arg.b.(*arrayGPU).data, arg.a.Size())
	case opAxpy:
		x, y := arg.a.(*arrayGPU), arg.b.(*arrayGPU)
		s.AddTensor(arg.alpha, x.layout(), x.data, 1, y.layout(), y.data)
	case opFprop:
		l, ok := arg.layer.(gpuLayer)
		if !ok {
			panic(fmt.Sprintf("Fprop: %T is not a GPU layer", arg.layer))
		}
		l.fprop(s)
	default:
		panic(fmt.Sprintf("invalid opcode %d", arg.op))
	}
}

func (q *gpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *gpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
	q.stream.Sync()
}

func (q *gpuQueue) Shutdown() {
	q.Finish()
	q.stream.Release()
}

// array resident on GPU
type arrayGPU struct {
	arrayBase
	data *cuda.Buffer
	desc *cuda.Layout
}

func (d gpuDevice) NewArray(dims ...int) Array {
	dims = append([]int{}, dims...)
	return newArrayGPU(dims, cuda.NewBuffer(Prod(dims)))
}

func (d gpuDevice) NewArrayLike(a Array) Array {
	return d.NewArray(a.Dims()...)
}

func newArrayGPU(dims []int, data *cuda.Buffer) *arrayGPU {
	a := &arrayGPU{arrayBase: arrayBase{size: Prod(dims), dims: dims}, data: data}
	runtime.SetFinalizer(a, func(obj *arrayGPU) { obj.Release() })
	return a
}

// tensor descriptor with the array viewed as NCHW, lower rank arrays are padded with leading ones
func (a *arrayGPU) layout() *cuda.Layout {
	if a.desc == nil {
		d := []int{1, 1, 1, 1}
		if len(a.dims) > 4 {
			d[3] = a.size
		} else {
			copy(d[4-len(a.dims):], a.dims)
		}
		a.desc = cuda.NewLayout(d[0], d[1], d[2], d[3])
	}
	return a.desc
}

func (a *arrayGPU) Release() {
	a.data.Release()
	if a.desc != nil {
		a.desc.Release()
	}
}

func (a *arrayGPU) Reshape(dims ...int) Array {
	return &arrayGPU{arrayBase: a.reshape(dims), data: a.data}
}

func (a *arrayGPU) String(q Queue) string { return toString(a, q) }

type gpuLayer interface {
	fprop(s *cuda.Stream)
}

func gpuData(a Array) *cuda.Buffer { return a.(*arrayGPU).data }

type convGPU struct {
	layerBase
	conv *cuda.ConvLayer
	work *cuda.Buffer
}

func (q *gpuQueue) ConvLayer(inShape []int, nFeats, size, stride, pad int, bias bool) Layer {
	n, c, h, w := checkShape("ConvLayer", inShape)
	l := &convGPU{conv: cuda.Convolution(n, c, h, w, nFeats, size, stride, pad, bias)}
	l.typ = "conv"
	l.inShape = inShape
	l.outShape = l.conv.OutShape()
	l.params = []Array{q.NewArray(nFeats, c, size, size)}
	if bias {
		l.params = append(l.params, q.NewArray(nFeats))
	}
	l.dst = q.NewArray(l.outShape...)
	if words := l.conv.Init(q.stream); words > 0 {
		l.work = cuda.NewBuffer(words)
	}
	return l
}

func (l *convGPU) fprop(s *cuda.Stream) {
	var bias *cuda.Buffer
	if len(l.params) > 1 {
		bias = gpuData(l.params[1])
	}
	l.conv.Fprop(s, gpuData(l.src), gpuData(l.params[0]), bias, gpuData(l.dst), l.work)
}

func (l *convGPU) Release() {
	l.layerBase.Release()
	l.work.Release()
	l.conv.Release()
}

type poolGPU struct {
	layerBase
	pool *cuda.PoolLayer
}

func (q *gpuQueue) MaxPoolLayer(inShape []int, size, stride, pad int) Layer {
	n, c, h, w := checkShape("MaxPoolLayer", inShape)
	l := &poolGPU{pool: cuda.Pooling(n, c, h, w, size, size, stride, stride, pad, false)}
	l.typ = "maxPool"
	l.inShape = inShape
	l.outShape = l.pool.OutShape()
	l.dst = q.NewArray(l.outShape...)
	return l
}

func (q *gpuQueue) fixedPoolWindow() bool { return true }

// adaptive pooling maps to a fixed window when the input divides evenly, see CheckAvgPool
func (q *gpuQueue) AvgPoolLayer(inShape []int, outSize int) Layer {
	n, c, h, w := checkShape("AvgPoolLayer", inShape)
	if h%outSize != 0 || w%outSize != 0 {
		panic(fmt.Sprintf("AvgPoolLayer: input %v not divisible by output size %d", inShape, outSize))
	}
	l := &poolGPU{pool: cuda.Pooling(n, c, h, w, h/outSize, w/outSize, h/outSize, w/outSize, 0, true)}
	l.typ = "avgPool"
	l.inShape = inShape
	l.outShape = l.pool.OutShape()
	l.dst = q.NewArray(l.outShape...)
	return l
}

func (l *poolGPU) fprop(s *cuda.Stream) {
	l.pool.Fprop(s, gpuData(l.src), gpuData(l.dst))
}

func (l *poolGPU) Release() {
	l.layerBase.Release()
	l.pool.Release()
}

type batchNormGPU struct {
	layerBase
	bn *cuda.BatchNormLayer
}

func (q *gpuQueue) BatchNormLayer(inShape []int, epsilon float64) Layer {
	n, c, h, w := checkShape("BatchNormLayer", inShape)
	l := &batchNormGPU{bn: cuda.BatchNorm(n, c, h, w, epsilon)}
	l.typ = "batchNorm"
	l.inShape = inShape
	l.outShape = inShape
	l.params = []Array{q.NewArray(c), q.NewArray(c), q.NewArray(c), q.NewArray(c)}
	l.dst = q.NewArray(inShape...)
	return l
}

func (l *batchNormGPU) fprop(s *cuda.Stream) {
	p := l.params
	l.bn.Fprop(s, gpuData(l.src), gpuData(l.dst), gpuData(p[0]), gpuData(p[1]), gpuData(p[2]), gpuData(p[3]))
}

func (l *batchNormGPU) Release() {
	l.layerBase.Release()
	l.bn.Release()
}

type activGPU struct {
	layerBase
	activ *cuda.ActivLayer
}

func (q *gpuQueue) ReluLayer(inShape []int) Layer {
	l := &activGPU{activ: cuda.Activation("relu", inShape)}
	l.typ = "relu"
	l.inShape = inShape
	l.outShape = inShape
	l.dst = q.NewArray(inShape...)
	return l
}

func (l *activGPU) fprop(s *cuda.Stream) {
	l.activ.Fprop(s, gpuData(l.src), gpuData(l.dst))
}

func (l *activGPU) Release() {
	l.layerBase.Release()
	l.activ.Release()
}
