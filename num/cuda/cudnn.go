//go:build cuda

package cuda

/*
#include <cudnn.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

var activationTypes = map[string]C.cudnnActivationMode_t{
	"sigmoid": C.CUDNN_ACTIVATION_SIGMOID,
	"tanh":    C.CUDNN_ACTIVATION_TANH,
	"relu":    C.CUDNN_ACTIVATION_RELU,
}

var (
	one  = C.float(1)
	zero = C.float(0)
)

// Set all elements of the tensor to val
func (s *Stream) SetTensor(l *Layout, b *Buffer, val float32) {
	v := C.float(val)
	chkDnn(C.cudnnSetTensor(s.cudnn, l.desc, b.ptr, unsafe.Pointer(&v)))
}

// Tensor addition: c <- alpha*a + beta*c, a may be broadcast over c
func (s *Stream) AddTensor(alpha float32, aDesc *Layout, a *Buffer, beta float32, cDesc *Layout, c *Buffer) {
	al, be := C.float(alpha), C.float(beta)
	chkDnn(C.cudnnAddTensor(s.cudnn, unsafe.Pointer(&al), aDesc.desc, a.ptr, unsafe.Pointer(&be), cDesc.desc, c.ptr))
}

// Convolution layer descriptor
type ConvLayer struct {
	Src    *Layout
	Dst    *Layout
	Bias   *Layout
	Filter *FilterLayout
	algo   C.cudnnConvolutionFwdAlgo_t
	desc   C.cudnnConvolutionDescriptor_t
	freed  bool
}

// Create new convolution layer with symmetric zero padding
func Convolution(n, c, h, w, nFeats, filtSize, stride, pad int, bias bool) *ConvLayer {
	hOut, wOut := outSize(h, filtSize, stride, pad), outSize(w, filtSize, stride, pad)
	if hOut < 1 || wOut < 1 {
		panic(fmt.Sprintf("cuDNN: filter size %d too large for input %dx%d", filtSize, h, w))
	}
	l := &ConvLayer{}
	l.Src = NewLayout(n, c, h, w)
	l.Dst = NewLayout(n, nFeats, hOut, wOut)
	l.Filter = NewFilterLayout(nFeats, c, filtSize, filtSize)
	if bias {
		l.Bias = NewLayout(1, nFeats, 1, 1)
	}
	chkDnn(C.cudnnCreateConvolutionDescriptor(&l.desc))
	chkDnn(C.cudnnSetConvolution2dDescriptor(l.desc, C.int(pad), C.int(pad), C.int(stride), C.int(stride),
		1, 1, C.CUDNN_CROSS_CORRELATION, C.CUDNN_DATA_FLOAT))
	return l
}

// Initialise the layer, returns work space size needed in words
func (l *ConvLayer) Init(s *Stream) int {
	var count C.int
	var perf C.cudnnConvolutionFwdAlgoPerf_t
	chkDnn(C.cudnnGetConvolutionForwardAlgorithm_v7(s.cudnn, l.Src.desc, l.Filter.desc, l.desc, l.Dst.desc,
		1, &count, &perf))
	l.algo = perf.algo
	var size C.size_t
	chkDnn(C.cudnnGetConvolutionForwardWorkspaceSize(s.cudnn, l.Src.desc, l.Filter.desc, l.desc, l.Dst.desc, l.algo, &size))
	return words(size)
}

// Forward convolution with optional bias, work may be nil if no workspace is needed
func (l *ConvLayer) Fprop(s *Stream, src, filter, bias, dst, work *Buffer) {
	chkDnn(C.cudnnConvolutionForward(s.cudnn, unsafe.Pointer(&one), l.Src.desc, src.ptr, l.Filter.desc, filter.ptr,
		l.desc, l.algo, work.Ptr(), C.size_t(work.Size()*4), unsafe.Pointer(&zero), l.Dst.desc, dst.ptr))
	if bias != nil && l.Bias != nil {
		chkDnn(C.cudnnAddTensor(s.cudnn, unsafe.Pointer(&one), l.Bias.desc, bias.ptr, unsafe.Pointer(&one), l.Dst.desc, dst.ptr))
	}
}

func (l *ConvLayer) InShape() []int { return l.Src.Dims }

func (l *ConvLayer) OutShape() []int { return l.Dst.Dims }

func (l *ConvLayer) Release() {
	if !l.freed {
		l.Src.Release()
		l.Dst.Release()
		l.Filter.Release()
		if l.Bias != nil {
			l.Bias.Release()
		}
		C.cudnnDestroyConvolutionDescriptor(l.desc)
		l.freed = true
	}
}

// Pool layer description
type PoolLayer struct {
	Src   *Layout
	Dst   *Layout
	desc  C.cudnnPoolingDescriptor_t
	freed bool
}

// Setup new max pooling or average pooling layer
func Pooling(n, c, h, w, kh, kw, sh, sw, pad int, average bool) *PoolLayer {
	l := &PoolLayer{}
	l.Src = NewLayout(n, c, h, w)
	l.Dst = NewLayout(n, c, outSize(h, kh, sh, pad), outSize(w, kw, sw, pad))
	mode := C.cudnnPoolingMode_t(C.CUDNN_POOLING_MAX)
	if average {
		mode = C.CUDNN_POOLING_AVERAGE_COUNT_EXCLUDE_PADDING
	}
	chkDnn(C.cudnnCreatePoolingDescriptor(&l.desc))
	chkDnn(C.cudnnSetPooling2dDescriptor(l.desc, mode, C.CUDNN_PROPAGATE_NAN,
		C.int(kh), C.int(kw), C.int(pad), C.int(pad), C.int(sh), C.int(sw)))
	return l
}

func (l *PoolLayer) Fprop(s *Stream, src, dst *Buffer) {
	chkDnn(C.cudnnPoolingForward(s.cudnn, l.desc, unsafe.Pointer(&one), l.Src.desc, src.ptr,
		unsafe.Pointer(&zero), l.Dst.desc, dst.ptr))
}

func (l *PoolLayer) InShape() []int { return l.Src.Dims }

func (l *PoolLayer) OutShape() []int { return l.Dst.Dims }

func (l *PoolLayer) Release() {
	if !l.freed {
		l.Src.Release()
		l.Dst.Release()
		C.cudnnDestroyPoolingDescriptor(l.desc)
		l.freed = true
	}
}

// Activation layer descriptor
type ActivLayer struct {
	Src   *Layout
	desc  C.cudnnActivationDescriptor_t
	freed bool
}

// Create new activation layer, shape is in NCHW order
func Activation(typ string, shape []int) *ActivLayer {
	mode, ok := activationTypes[typ]
	if !ok {
		panic("cuDNN: activation type " + typ + " is not valid")
	}
	l := &ActivLayer{}
	switch len(shape) {
	case 4:
		l.Src = NewLayout(shape[0], shape[1], shape[2], shape[3])
	case 2:
		l.Src = NewLayout(shape[0], shape[1], 1, 1)
	default:
		panic("cuDNN: activation layer must have 2 or 4 dimensions")
	}
	chkDnn(C.cudnnCreateActivationDescriptor(&l.desc))
	chkDnn(C.cudnnSetActivationDescriptor(l.desc, mode, C.CUDNN_PROPAGATE_NAN, 0.0))
	return l
}

func (l *ActivLayer) Fprop(s *Stream, src, dst *Buffer) {
	chkDnn(C.cudnnActivationForward(s.cudnn, l.desc, unsafe.Pointer(&one), l.Src.desc, src.ptr,
		unsafe.Pointer(&zero), l.Src.desc, dst.ptr))
}

func (l *ActivLayer) Release() {
	if !l.freed {
		l.Src.Release()
		C.cudnnDestroyActivationDescriptor(l.desc)
		l.freed = true
	}
}

// Batch normalisation layer descriptor
type BatchNormLayer struct {
	Src     *Layout
	Shape   *Layout
	epsilon float64
	freed   bool
}

// Create new BatchNorm layer
func BatchNorm(n, c, h, w int, epsilon float64) *BatchNormLayer {
	if epsilon < C.CUDNN_BN_MIN_EPSILON {
		epsilon = C.CUDNN_BN_MIN_EPSILON
	}
	l := &BatchNormLayer{epsilon: epsilon}
	l.Src = NewLayout(n, c, h, w)
	l.Shape = NewLayout(1, c, 1, 1)
	return l
}

// Inference mode forward pass using the running mean and variance
func (l *BatchNormLayer) Fprop(s *Stream, src, dst, scale, bias, mean, variance *Buffer) {
	chkDnn(C.cudnnBatchNormalizationForwardInference(s.cudnn, C.CUDNN_BATCHNORM_SPATIAL,
		unsafe.Pointer(&one), unsafe.Pointer(&zero), l.Src.desc, src.ptr, l.Src.desc, dst.ptr,
		l.Shape.desc, scale.ptr, bias.ptr, mean.ptr, variance.ptr, C.double(l.epsilon)))
}

func (l *BatchNormLayer) InShape() []int { return l.Src.Dims }

func (l *BatchNormLayer) Release() {
	if !l.freed {
		l.Src.Release()
		l.Shape.Release()
		l.freed = true
	}
}

// Layout type represents a cuDNN tensor descriptor
type Layout struct {
	Dims  []int
	desc  C.cudnnTensorDescriptor_t
	freed bool
}

func NewLayout(n, c, h, w int) *Layout {
	l := &Layout{Dims: []int{n, c, h, w}}
	chkDnn(C.cudnnCreateTensorDescriptor(&l.desc))
	chkDnn(C.cudnnSetTensor4dDescriptor(l.desc, C.CUDNN_TENSOR_NCHW, C.CUDNN_DATA_FLOAT, C.int(n), C.int(c), C.int(h), C.int(w)))
	return l
}

func (l *Layout) Release() {
	if !l.freed {
		C.cudnnDestroyTensorDescriptor(l.desc)
		l.freed = true
	}
}

// Filter layout type
type FilterLayout struct {
	Dims  []int
	desc  C.cudnnFilterDescriptor_t
	freed bool
}

func NewFilterLayout(nout, nin, h, w int) *FilterLayout {
	l := &FilterLayout{Dims: []int{nout, nin, h, w}}
	chkDnn(C.cudnnCreateFilterDescriptor(&l.desc))
	chkDnn(C.cudnnSetFilter4dDescriptor(l.desc, C.CUDNN_DATA_FLOAT, C.CUDNN_TENSOR_NCHW, C.int(nout), C.int(nin), C.int(h), C.int(w)))
	return l
}

func (l *FilterLayout) Release() {
	if !l.freed {
		C.cudnnDestroyFilterDescriptor(l.desc)
		l.freed = true
	}
}

func outSize(in, filter, stride, pad int) int {
	return (in+2*pad-filter)/stride + 1
}

func chkDnn(err C.cudnnStatus_t) {
	if e := getDnnError(err); e != nil {
		panic(e)
	}
}

// Convert cuDNN status code to go error
func getDnnError(err C.cudnnStatus_t) error {
	if err == C.CUDNN_STATUS_SUCCESS {
		return nil
	}
	cstr := C.cudnnGetErrorString(err)
	return fmt.Errorf("cuDNN error: %s", C.GoString(cstr))
}
