package nnet

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"

	"github.com/jnb666/layerdump/num"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// maximum size of the JSON header in a weights file
const maxHeaderSize = 100 << 20

// TensorInfo is the header entry for one tensor in a safetensors file
type TensorInfo struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

var dtypeSize = map[string]int64{"F64": 8, "F32": 4, "F16": 2, "BF16": 2, "I64": 8}

// Weights holds the tensors read from a file in safetensors format: an 8 byte little endian header
// length, a JSON header mapping names to dtype, shape and data offsets, then the raw tensor data.
type Weights struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
	data     []byte
}

// Tensor is a named float32 array
type Tensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// Open and read a weights file
func OpenWeights(path string) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "error opening weights")
	}
	defer f.Close()
	w, err := ReadWeights(bufio.NewReader(f))
	return w, errors.Wrapf(err, "error reading %s", path)
}

// Read weights in safetensors format
func ReadWeights(r io.Reader) (*Weights, error) {
	var size uint64
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, errors.Wrap(err, "invalid header")
	}
	if size > maxHeaderSize {
		return nil, errors.Errorf("header size %d too large", size)
	}
	header := make([]byte, size)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "invalid header")
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(header, &entries); err != nil {
		return nil, errors.Wrap(err, "invalid header")
	}
	w := &Weights{Tensors: make(map[string]TensorInfo)}
	for name, raw := range entries {
		if name == "__metadata__" {
			if err := json.Unmarshal(raw, &w.Metadata); err != nil {
				return nil, errors.Wrap(err, "invalid metadata")
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "invalid entry for %s", name)
		}
		w.Tensors[name] = info
	}
	var err error
	if w.data, err = io.ReadAll(r); err != nil {
		return nil, errors.WithStack(err)
	}
	for name, info := range w.Tensors {
		esize, ok := dtypeSize[info.DType]
		if !ok {
			return nil, errors.Errorf("%s: unsupported dtype %s", name, info.DType)
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start < 0 || end < start || end > int64(len(w.data)) {
			return nil, errors.Errorf("%s: data offsets %v out of range", name, info.Offsets)
		}
		if end-start != int64(num.Prod(info.Shape))*esize {
			return nil, errors.Errorf("%s: data size %d does not match shape %v", name, end-start, info.Shape)
		}
	}
	return w, nil
}

// Names returns the sorted list of tensor names
func (w *Weights) Names() []string {
	names := make([]string, 0, len(w.Tensors))
	for name := range w.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor returns the named tensor converted to float32
func (w *Weights) Tensor(name string) (Tensor, error) {
	info, ok := w.Tensors[name]
	if !ok {
		return Tensor{}, errors.Errorf("tensor %s not found", name)
	}
	raw := w.data[info.Offsets[0]:info.Offsets[1]]
	t := Tensor{Name: name, Shape: info.Shape, Data: make([]float32, num.Prod(info.Shape))}
	le := binary.LittleEndian
	for i := range t.Data {
		switch info.DType {
		case "F32":
			t.Data[i] = math.Float32frombits(le.Uint32(raw[4*i:]))
		case "F64":
			t.Data[i] = float32(math.Float64frombits(le.Uint64(raw[8*i:])))
		case "F16":
			t.Data[i] = float16.Frombits(le.Uint16(raw[2*i:])).Float32()
		case "BF16":
			t.Data[i] = math.Float32frombits(uint32(le.Uint16(raw[2*i:])) << 16)
		case "I64":
			t.Data[i] = float32(int64(le.Uint64(raw[8*i:])))
		}
	}
	return t, nil
}

// Write tensors in safetensors format with float32 data
func WriteWeights(wr io.Writer, tensors []Tensor, metadata map[string]string) error {
	header := make(map[string]interface{})
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range tensors {
		if len(t.Data) != num.Prod(t.Shape) {
			return errors.Errorf("%s: data length %d does not match shape %v", t.Name, len(t.Data), t.Shape)
		}
		size := int64(4 * len(t.Data))
		header[t.Name] = TensorInfo{DType: "F32", Shape: t.Shape, Offsets: [2]int64{offset, offset + size}}
		offset += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return errors.WithStack(err)
	}
	// pad header with spaces so the data is 8 byte aligned
	if n := len(hdr) % 8; n != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-n)...)
	}
	bw := bufio.NewWriter(wr)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return errors.WithStack(err)
	}
	bw.Write(hdr)
	buf := make([]byte, 4)
	for _, t := range tensors {
		for _, v := range t.Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			bw.Write(buf)
		}
	}
	return errors.WithStack(bw.Flush())
}

// Save tensors to a safetensors file
func SaveWeights(path string, tensors []Tensor, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	if err = WriteWeights(f, tensors, metadata); err != nil {
		f.Close()
		return err
	}
	return errors.WithStack(f.Close())
}
