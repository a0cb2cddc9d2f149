package num

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Layer interface type represents a DNN layer on a device
type Layer interface {
	Type() string
	InShape() []int
	OutShape() []int
	// Parameter arrays: [weight, bias] for convolution, [weight, bias, mean, variance] for batch norm
	Params() []Array
	Src() Array
	SetSrc(Array)
	Dst() Array
	Release()
}

// Output size of a convolution or pooling window along one dimension
func OutSize(in, size, stride, pad int) int {
	return (in+2*pad-size)/stride + 1
}

func checkShape(typ string, inShape []int) (n, c, h, w int) {
	if len(inShape) != 4 {
		panic(fmt.Sprintf("%s: expect 4 dimensional input, got %v", typ, inShape))
	}
	return inShape[0], inShape[1], inShape[2], inShape[3]
}

type layerBase struct {
	typ      string
	inShape  []int
	outShape []int
	params   []Array
	src      Array
	dst      Array
}

func (l *layerBase) Type() string { return l.typ }

func (l *layerBase) InShape() []int { return l.inShape }

func (l *layerBase) OutShape() []int { return l.outShape }

func (l *layerBase) Params() []Array { return l.params }

func (l *layerBase) Src() Array { return l.src }

func (l *layerBase) Dst() Array { return l.dst }

func (l *layerBase) SetSrc(a Array) {
	if a.Size() != Prod(l.inShape) {
		panic(fmt.Sprintf("%s: input shape %v does not match %v", l.typ, a.Dims(), l.inShape))
	}
	l.src = a
}

func (l *layerBase) Release() {
	Release(l.dst)
	Release(l.params...)
}

type cpuLayer interface {
	fprop()
}

func (l *layerBase) srcData() []float32 { return l.src.(*arrayCPU).data }

func (l *layerBase) dstData() []float32 { return l.dst.(*arrayCPU).data }

func (l *layerBase) param(i int) []float32 { return l.params[i].(*arrayCPU).data }

// convolution using im2col and gemm
type convCPU struct {
	layerBase
	size, stride, pad int
	bias              bool
	col               []float32
}

func (d cpuDevice) ConvLayer(inShape []int, nFeats, size, stride, pad int, bias bool) Layer {
	n, c, h, w := checkShape("ConvLayer", inShape)
	oh, ow := OutSize(h, size, stride, pad), OutSize(w, size, stride, pad)
	if oh < 1 || ow < 1 {
		panic(fmt.Sprintf("ConvLayer: filter %d too large for input %v", size, inShape))
	}
	l := &convCPU{size: size, stride: stride, pad: pad, bias: bias}
	l.typ = "conv"
	l.inShape = inShape
	l.outShape = []int{n, nFeats, oh, ow}
	l.params = []Array{d.NewArray(nFeats, c, size, size)}
	if bias {
		l.params = append(l.params, d.NewArray(nFeats))
	}
	l.dst = d.NewArray(l.outShape...)
	l.col = make([]float32, c*size*size*oh*ow)
	return l
}

func (l *convCPU) fprop() {
	n, c, h, w := checkShape(l.typ, l.inShape)
	nFeats, oh, ow := l.outShape[1], l.outShape[2], l.outShape[3]
	k := c * l.size * l.size
	src, dst := l.srcData(), l.dstData()
	weights := blas32.General{Rows: nFeats, Cols: k, Stride: k, Data: l.param(0)}
	col := blas32.General{Rows: k, Cols: oh * ow, Stride: oh * ow, Data: l.col}
	for i := 0; i < n; i++ {
		im2col(src[i*c*h*w:(i+1)*c*h*w], l.col, c, h, w, l.size, l.stride, l.pad, oh, ow)
		out := dst[i*nFeats*oh*ow : (i+1)*nFeats*oh*ow]
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights, col, 0,
			blas32.General{Rows: nFeats, Cols: oh * ow, Stride: oh * ow, Data: out})
		if l.bias {
			for f, b := range l.param(1) {
				plane := out[f*oh*ow : (f+1)*oh*ow]
				for j := range plane {
					plane[j] += b
				}
			}
		}
	}
}

func im2col(src, col []float32, c, h, w, size, stride, pad, oh, ow int) {
	for ch := 0; ch < c; ch++ {
		for ky := 0; ky < size; ky++ {
			for kx := 0; kx < size; kx++ {
				row := col[((ch*size+ky)*size+kx)*oh*ow:]
				for y := 0; y < oh; y++ {
					iy := y*stride - pad + ky
					for x := 0; x < ow; x++ {
						ix := x*stride - pad + kx
						if iy >= 0 && iy < h && ix >= 0 && ix < w {
							row[y*ow+x] = src[(ch*h+iy)*w+ix]
						} else {
							row[y*ow+x] = 0
						}
					}
				}
			}
		}
	}
}

// max pooling, padded entries are ignored
type maxPoolCPU struct {
	layerBase
	size, stride, pad int
}

func (d cpuDevice) MaxPoolLayer(inShape []int, size, stride, pad int) Layer {
	n, c, h, w := checkShape("MaxPoolLayer", inShape)
	if pad > size/2 {
		panic("MaxPoolLayer: pad should be at most half of the window size")
	}
	l := &maxPoolCPU{size: size, stride: stride, pad: pad}
	l.typ = "maxPool"
	l.inShape = inShape
	l.outShape = []int{n, c, OutSize(h, size, stride, pad), OutSize(w, size, stride, pad)}
	l.dst = d.NewArray(l.outShape...)
	return l
}

func (l *maxPoolCPU) fprop() {
	n, c, h, w := checkShape(l.typ, l.inShape)
	oh, ow := l.outShape[2], l.outShape[3]
	src, dst := l.srcData(), l.dstData()
	for p := 0; p < n*c; p++ {
		in, out := src[p*h*w:(p+1)*h*w], dst[p*oh*ow:(p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			y0 := y*l.stride - l.pad
			for x := 0; x < ow; x++ {
				x0 := x*l.stride - l.pad
				m := float32(math.Inf(-1))
				for iy := max(y0, 0); iy < min(y0+l.size, h); iy++ {
					for ix := max(x0, 0); ix < min(x0+l.size, w); ix++ {
						if v := in[iy*w+ix]; v > m || v != v {
							m = v
						}
					}
				}
				out[y*ow+x] = m
			}
		}
	}
}

// adaptive average pooling to a fixed output size
type avgPoolCPU struct {
	layerBase
}

func (d cpuDevice) AvgPoolLayer(inShape []int, outSize int) Layer {
	n, c, _, _ := checkShape("AvgPoolLayer", inShape)
	if outSize < 1 {
		panic("AvgPoolLayer: output size must be positive")
	}
	l := &avgPoolCPU{}
	l.typ = "avgPool"
	l.inShape = inShape
	l.outShape = []int{n, c, outSize, outSize}
	l.dst = d.NewArray(l.outShape...)
	return l
}

// bin edges as used by PyTorch: floor(i*in/out) to ceil((i+1)*in/out)
func poolBin(i, in, out int) (start, end int) {
	return (i * in) / out, ((i+1)*in + out - 1) / out
}

func (l *avgPoolCPU) fprop() {
	n, c, h, w := checkShape(l.typ, l.inShape)
	oh, ow := l.outShape[2], l.outShape[3]
	src, dst := l.srcData(), l.dstData()
	for p := 0; p < n*c; p++ {
		in, out := src[p*h*w:(p+1)*h*w], dst[p*oh*ow:(p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			y0, y1 := poolBin(y, h, oh)
			for x := 0; x < ow; x++ {
				x0, x1 := poolBin(x, w, ow)
				var sum float32
				for iy := y0; iy < y1; iy++ {
					for ix := x0; ix < x1; ix++ {
						sum += in[iy*w+ix]
					}
				}
				out[y*ow+x] = sum / float32((y1-y0)*(x1-x0))
			}
		}
	}
}

// batch normalisation using the running statistics
type batchNormCPU struct {
	layerBase
	epsilon float64
}

func (d cpuDevice) BatchNormLayer(inShape []int, epsilon float64) Layer {
	_, c, _, _ := checkShape("BatchNormLayer", inShape)
	l := &batchNormCPU{epsilon: epsilon}
	l.typ = "batchNorm"
	l.inShape = inShape
	l.outShape = inShape
	l.params = []Array{d.NewArray(c), d.NewArray(c), d.NewArray(c), d.NewArray(c)}
	l.dst = d.NewArray(inShape...)
	return l
}

func (l *batchNormCPU) fprop() {
	n, c, h, w := checkShape(l.typ, l.inShape)
	gamma, beta, mean, variance := l.param(0), l.param(1), l.param(2), l.param(3)
	src, dst := l.srcData(), l.dstData()
	for ch := 0; ch < c; ch++ {
		scale := float32(float64(gamma[ch]) / math.Sqrt(float64(variance[ch])+l.epsilon))
		shift := beta[ch] - mean[ch]*scale
		for i := 0; i < n; i++ {
			off := (i*c + ch) * h * w
			for j, v := range src[off : off+h*w] {
				dst[off+j] = v*scale + shift
			}
		}
	}
}

// rectified linear activation
type reluCPU struct {
	layerBase
}

func (d cpuDevice) ReluLayer(inShape []int) Layer {
	l := &reluCPU{}
	l.typ = "relu"
	l.inShape = inShape
	l.outShape = inShape
	l.dst = d.NewArray(inShape...)
	return l
}

func (l *reluCPU) fprop() {
	dst := l.dstData()
	for i, v := range l.srcData() {
		if v < 0 {
			v = 0
		}
		dst[i] = v
	}
}
