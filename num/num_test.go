package num

import (
	"math/rand"
	"reflect"
	"strings"
	"testing"
)

func TestArray(t *testing.T) {
	xd := []float32{1, 1, 2, 2, 3, 3}
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(6)
	x = x.Reshape(2, -1)
	if dim := x.Dims(); !reflect.DeepEqual(dim, []int{2, 3}) {
		t.Error("dims invalid: got", dim)
	}
	res := make([]float32, 6)
	q.Call(
		Write(x, xd),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, xd) {
		t.Error("got", res, "expect", xd)
	}
	expect := []float32{4, 4, 4, 4, 4, 4}
	q.Call(
		Fill(x, 4),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestReshapeView(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(1, 2, 2, 2)
	y := x.Reshape(2, 4)
	q.Call(Write(y, []float32{1, 2, 3, 4, 5, 6, 7, 8})).Finish()
	res := make([]float32, 8)
	q.Call(Read(x, res)).Finish()
	if res[7] != 8 {
		t.Error("reshape should share data: got", res)
	}
	s := x.String(q)
	t.Logf("x\n%s", s)
	if !strings.HasPrefix(s, "[[[[") {
		t.Error("unexpected format", s)
	}
}

func TestCopy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(2, 3)
	y := dev.NewArray(6)
	res := make([]float32, 6)
	expect := []float32{3, 2, 1, 0, -1, -2}
	q.Call(
		Write(y, expect),
		Copy(x, y),
		Read(x, res),
	).Finish()
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestAxpy(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	x := dev.NewArray(2, 3)
	y := dev.NewArray(2, 3)
	res := make([]float32, 6)
	q.Call(
		Write(x, []float32{1, 1, 2, 2, 3, 3}),
		Write(y, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}),
		Axpy(2, x, y),
		Read(y, res),
	).Finish()
	expect := []float32{2.5, 2.5, 4.5, 4.5, 6.5, 6.5}
	if !reflect.DeepEqual(res, expect) {
		t.Error("got", res, "expect", expect)
	}
}

func TestQueueOverflow(t *testing.T) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	q.Profiling(true)
	x := dev.NewArray(1)
	y := dev.NewArray(1)
	q.Call(Fill(y, 0))
	for i := 0; i < 3*queueSize; i++ {
		q.Call(Fill(x, 1), Axpy(1, x, y))
	}
	res := make([]float32, 1)
	q.Call(Read(y, res)).Finish()
	if res[0] != 3*queueSize {
		t.Error("got", res[0], "expect", 3*queueSize)
	}
	prof := q.Profile()
	t.Log(prof)
	if !strings.Contains(prof, "axpy") {
		t.Error("profile missing axpy entry")
	}
}

func TestNewDevice(t *testing.T) {
	dev, err := NewDevice(false)
	if err != nil {
		t.Fatal(err)
	}
	t.Log(dev)
	if !strings.HasPrefix(dev.String(), "CPU") {
		t.Error("expected CPU device, got", dev)
	}
}

func randSlice(n int) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = float32(rand.Intn(20)) - 10
	}
	return res
}

func BenchmarkConv(b *testing.B) {
	dev := NewCPUDevice()
	q := dev.NewQueue()
	l := q.ConvLayer([]int{1, 64, 56, 56}, 64, 3, 1, 1, false)
	x := dev.NewArray(1, 64, 56, 56)
	q.Call(
		Write(x, randSlice(x.Size())),
		Write(l.Params()[0], randSlice(l.Params()[0].Size())),
	).Finish()
	l.SetSrc(x)
	for i := 0; i < b.N; i++ {
		q.Call(Fprop(l)).Finish()
	}
}
