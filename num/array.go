package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array interface is a general n dimensional tensor similar to a numpy ndarray.
// Data is float32 stored in row major order, so 4d arrays are in NCHW layout.
type Array interface {
	// Dims returns the shape of the array
	Dims() []int
	// Size is total number of elements
	Size() int
	// Reshape returns a new array of the same size with a view on the same data but with a different shape
	Reshape(dims ...int) Array
	// Formatted output
	String(q Queue) string
	// Release any allocated memory
	Release()
}

// array resident in main memory
type arrayCPU struct {
	arrayBase
	data []float32
}

func (d cpuDevice) NewArray(dims ...int) Array {
	dims = append([]int{}, dims...)
	return &arrayCPU{arrayBase: arrayBase{size: Prod(dims), dims: dims}, data: make([]float32, Prod(dims))}
}

func (d cpuDevice) NewArrayLike(a Array) Array {
	return d.NewArray(a.Dims()...)
}

func (a *arrayCPU) Release() {}

func (a *arrayCPU) Reshape(dims ...int) Array {
	return &arrayCPU{arrayBase: a.reshape(dims), data: a.data}
}

func (a *arrayCPU) String(q Queue) string { return toString(a, q) }

// common array functions
type arrayBase struct {
	size int
	dims []int
}

func (a arrayBase) Size() int { return a.size }

func (a arrayBase) Dims() []int { return a.dims }

func (a arrayBase) reshape(in []int) arrayBase {
	dims := append([]int{}, in...)
	n := a.size
	for i := range dims {
		if dims[i] == -1 {
			other := 1
			for j, dim := range dims {
				if i != j {
					if dim == -1 {
						panic("Reshape: can only have single -1 value")
					}
					other *= dim
				}
			}
			dims[i] = n / other
		}
	}
	if Prod(dims) != n {
		panic("reshape must be to array of same size")
	}
	return arrayBase{size: n, dims: dims}
}

func toString(a Array, q Queue) string {
	data := make([]float32, a.Size())
	q.Call(Read(a, data)).Finish()
	var b strings.Builder
	format(&b, a.Dims(), data, "")
	return b.String()
}

func format(b *strings.Builder, dims []int, data []float32, indent string) {
	switch len(dims) {
	case 0:
		b.WriteString(formatValue(data[0]))
	case 1:
		b.WriteString("[")
		for i := 0; i < dims[0]; i++ {
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				b.WriteString("    ... ")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			b.WriteString(formatValue(data[i]))
		}
		b.WriteString("]")
	default:
		stride := Prod(dims[1:])
		b.WriteString("[")
		for i := 0; i < dims[0]; i++ {
			if i > 0 {
				b.WriteString("\n" + indent + " ")
			}
			if dims[0] > PrintThreshold+1 && i == PrintEdgeitems {
				b.WriteString("...")
				i = dims[0] - PrintEdgeitems - 1
				continue
			}
			format(b, dims[1:], data[i*stride:(i+1)*stride], indent+" ")
		}
		b.WriteString("]")
	}
}

func formatValue(val float32) string {
	if abs(val) < 1 {
		val = float32(int(10000*val+0.5)) / 10000
	}
	return fmt.Sprintf("%7.5g ", val)
}

func abs(x float32) float32 {
	if x >= 0 {
		return x
	}
	return -x
}

// Product of elements of an integer array. Zero dimension array (scalar) has size 1.
func Prod(arr []int) int {
	prod := 1
	for _, v := range arr {
		prod *= v
	}
	return prod
}

// Check if two arrays are the same shape
func SameShape(xd, yd []int) bool {
	if len(xd) != len(yd) {
		return false
	}
	for i := range xd {
		if xd[i] != yd[i] {
			return false
		}
	}
	return true
}

// Total size of one of more arrays in bytes
func Bytes(arr ...Array) (bytes int) {
	for _, a := range arr {
		if a != nil {
			bytes += 4 * a.Size()
		}
	}
	return bytes
}

// Release one or more arrays
func Release(arr ...Array) {
	for _, a := range arr {
		if a != nil {
			a.Release()
		}
	}
}
