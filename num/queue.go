package num

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue
	NewQueue() Queue
	// Allocate new n dimensional array
	NewArray(dims ...int) Array
	NewArrayLike(a Array) Array
	// Description of the hardware
	String() string
}

// Initialise new CPU or GPU device. A GPU device is only available if built with the cuda tag.
func NewDevice(useGPU bool) (Device, error) {
	if useGPU {
		dev, err := newGPUDevice()
		return dev, errors.Wrap(err, "GPU device not available")
	}
	return NewCPUDevice(), nil
}

// NewCPUDevice returns a device using pure Go routines with gonum BLAS.
func NewCPUDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Layer constructors for this device
	ConvLayer(inShape []int, nFeats, size, stride, pad int, bias bool) Layer
	MaxPoolLayer(inShape []int, size, stride, pad int) Layer
	AvgPoolLayer(inShape []int, outSize int) Layer
	BatchNormLayer(inShape []int, epsilon float64) Layer
	ReluLayer(inShape []int) Layer
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// devices which can only average pool with a fixed window implement this
type fixedPoolWindow interface {
	fixedPoolWindow() bool
}

// CheckAvgPool returns an error if the queue cannot adaptively pool inShape to outSize x outSize.
// The CPU runtime handles any size, the GPU needs the input to divide exactly.
func CheckAvgPool(q Queue, inShape []int, outSize int) error {
	if len(inShape) != 4 || outSize < 1 {
		return errors.Errorf("avgPool: invalid input %v or output size %d", inShape, outSize)
	}
	if f, ok := q.(fixedPoolWindow); ok && f.fixedPoolWindow() {
		if inShape[2]%outSize != 0 || inShape[3]%outSize != 0 {
			return errors.Errorf("avgPool: input %v not divisible by output size %d on %s", inShape, outSize, q.Dev())
		}
	}
	return nil
}

type cpuDevice struct{}

func (d cpuDevice) String() string {
	c := cpuid.CPU
	return fmt.Sprintf("CPU: %s %d cores avx2=%v fma=%v", c.BrandName, c.PhysicalCores,
		c.Supports(cpuid.AVX2), c.Supports(cpuid.FMA3))
}

type cpuQueue struct {
	cpuDevice
	buffer [queueSize]Function
	queued int
	*profile
}

func (d cpuDevice) NewQueue() Queue {
	return &cpuQueue{cpuDevice: d, profile: newProfile()}
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) exec() {
	for _, arg := range q.buffer[:q.queued] {
		var start time.Time
		if q.enabled {
			start = time.Now()
		}
		execCPU(arg)
		if q.enabled {
			q.add(arg, time.Since(start))
		}
	}
	q.queued = 0
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if q.queued >= queueSize {
			q.exec()
		}
		q.buffer[q.queued] = arg
		q.queued++
	}
	return q
}

func (q *cpuQueue) Finish() {
	if q.queued > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
}

func execCPU(arg Function) {
	switch arg.op {
	case opWrite:
		copy(arg.a.(*arrayCPU).data, arg.host)
	case opRead:
		copy(arg.host, arg.a.(*arrayCPU).data)
	case opFill:
		data := arg.a.(*arrayCPU).data
		for i := range data {
			data[i] = arg.alpha
		}
	case opCopy:
		copy(arg.a.(*arrayCPU).data, arg.b.(*arrayCPU).data)
	case opAxpy:
		x, y := arg.a.(*arrayCPU).data, arg.b.(*arrayCPU).data
		for i, v := range x {
			y[i] += arg.alpha * v
		}
	case opFprop:
		l, ok := arg.layer.(cpuLayer)
		if !ok {
			panic(fmt.Sprintf("Fprop: %T is not a CPU layer", arg.layer))
		}
		l.fprop()
	default:
		panic(fmt.Sprintf("invalid opcode %d", arg.op))
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(f Function, elapsed time.Duration) {
	name := opDesc(f)
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += elapsed.Seconds() * 1000
	p.prof[name] = r
}

// Profile returns a table of call counts and elapsed time per operation, slowest first.
func (p *profile) Profile() string {
	var b strings.Builder
	b.WriteString("== Profile ==\n")
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	for _, r := range list {
		fmt.Fprintf(&b, "%-25s %8d calls %10.1f msec\n", r.name, r.calls, r.msec)
		totalCalls += r.calls
		totalMsec += r.msec
	}
	fmt.Fprintf(&b, "%-25s %8d calls %10.1f msec\n", "TOTAL", totalCalls, totalMsec)
	return b.String()
}
