//go:build cuda

package cuda

/*
#cgo CFLAGS: -I /usr/local/cuda/include
#cgo LDFLAGS: -L /usr/local/cuda/lib64 -lcudnn -lcudart
#include <cuda_runtime.h>
#include <cudnn.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// Device holds the properties of the selected GPU
type Device struct {
	Name   string
	Memory int64
	Major  int
	Minor  int
}

// Get new device, returns an error if there is no usable Cuda device.
func NewDevice() (Device, error) {
	var dev Device
	count, err := cu.NumDevices()
	if err != nil {
		return dev, errors.Wrap(err, "cuda device query failed")
	}
	if count < 1 {
		return dev, errors.New("no Cuda device found")
	}
	// todo: handle multiple devices, for now just use the first one
	d := cu.Device(0)
	if dev.Name, err = d.Name(); err != nil {
		return dev, errors.Wrap(err, "cuda device name")
	}
	mem, err := d.TotalMem()
	if err != nil {
		return dev, errors.Wrap(err, "cuda device memory")
	}
	dev.Memory = int64(mem)
	if dev.Major, err = d.Attribute(cu.ComputeCapabilityMajor); err != nil {
		return dev, errors.Wrap(err, "cuda compute capability")
	}
	if dev.Minor, err = d.Attribute(cu.ComputeCapabilityMinor); err != nil {
		return dev, errors.Wrap(err, "cuda compute capability")
	}
	if err := getError(C.cudaSetDevice(0)); err != nil {
		return dev, errors.WithStack(err)
	}
	return dev, nil
}

func (d Device) String() string {
	return fmt.Sprintf("GPU: %s compute %d.%d memory %d MB", d.Name, d.Major, d.Minor, d.Memory>>20)
}

type Stream struct {
	stream C.cudaStream_t
	cudnn  C.cudnnHandle_t
}

// Allocate new Cuda stream and associate cuDNN context with this.
func NewStream() *Stream {
	s := new(Stream)
	chk(C.cudaStreamCreate(&s.stream))
	chkDnn(C.cudnnCreate(&s.cudnn))
	chkDnn(C.cudnnSetStream(s.cudnn, s.stream))
	return s
}

func (s *Stream) Sync() {
	chk(C.cudaStreamSynchronize(s.stream))
}

func (s *Stream) Release() {
	C.cudnnDestroy(s.cudnn)
	C.cudaStreamDestroy(s.stream)
}

// Copy from host memory to the device, waits for pending work on the stream first
func (s *Stream) CopyToDevice(dst *Buffer, src []float32) {
	if len(src) > dst.size {
		panic("CopyToDevice: buffer too small")
	}
	s.Sync()
	chk(C.cudaMemcpy(dst.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)*4), C.cudaMemcpyHostToDevice))
}

// Copy from device to host memory, waits for pending work on the stream first
func (s *Stream) CopyToHost(dst []float32, src *Buffer) {
	if len(dst) > src.size {
		panic("CopyToHost: buffer too small")
	}
	s.Sync()
	chk(C.cudaMemcpy(unsafe.Pointer(&dst[0]), src.ptr, C.size_t(len(dst)*4), C.cudaMemcpyDeviceToHost))
}

// Copy words 32 bit values between device buffers
func (s *Stream) CopyDevice(dst, src *Buffer, words int) {
	chk(C.cudaMemcpyAsync(dst.ptr, src.ptr, C.size_t(words*4), C.cudaMemcpyDeviceToDevice, s.stream))
}

type Buffer struct {
	ptr  unsafe.Pointer
	size int
}

// Allocate a buffer on the GPU with given number of 32 bit words
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		panic("NewBuffer: size must be greater than 0")
	}
	b := &Buffer{size: size}
	chk(C.cudaMalloc(&b.ptr, C.size_t(size*4)))
	chk(C.cudaMemset(b.ptr, 0, C.size_t(size*4)))
	return b
}

func (b *Buffer) Ptr() unsafe.Pointer {
	if b == nil {
		return nil
	}
	return b.ptr
}

func (b *Buffer) Size() int {
	if b == nil {
		return 0
	}
	return b.size
}

func (b *Buffer) Release() {
	if b != nil && b.size > 0 {
		C.cudaFree(b.ptr)
		b.size = 0
		b.ptr = nil
	}
}

func words(bytes C.size_t) int {
	return int(bytes)/4 + (3+int(bytes)%4)/4
}

// Check for error running Cuda function, panics if not success
func chk(err C.cudaError_t) {
	if e := getError(err); e != nil {
		panic(e)
	}
}

func getError(err C.cudaError_t) error {
	if err == C.cudaSuccess {
		return nil
	}
	cstr := C.cudaGetErrorString(err)
	return fmt.Errorf("Cuda error: %s", C.GoString(cstr))
}
