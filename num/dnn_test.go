package num

import (
	"math"
	"math/rand"
	"testing"
)

const eps = 1e-4

var dev = NewCPUDevice()

func randArray(size int, min, max float32) []float32 {
	v := make([]float32, size)
	for i := range v {
		v[i] = min + rand.Float32()*(max-min)
	}
	return v
}

func read(q Queue, a Array) []float32 {
	res := make([]float32, a.Size())
	q.Call(Read(a, res)).Finish()
	return res
}

func compare(t *testing.T, title string, got, expect []float32) {
	if len(got) != len(expect) {
		t.Fatal(title, "length mismatch!", len(got), len(expect))
	}
	for i := range got {
		if math.Abs(float64(got[i]-expect[i])) > eps {
			t.Error(title, "mismatch at", i, "got", got[i], "expect", expect[i])
			return
		}
	}
}

// direct convolution for comparison
func convDirect(in, w, b []float32, n, c, h, wd, f, k, stride, pad int) []float32 {
	oh, ow := OutSize(h, k, stride, pad), OutSize(wd, k, stride, pad)
	out := make([]float32, n*f*oh*ow)
	for i := 0; i < n; i++ {
		for o := 0; o < f; o++ {
			for y := 0; y < oh; y++ {
				for x := 0; x < ow; x++ {
					var sum float64
					for ch := 0; ch < c; ch++ {
						for ky := 0; ky < k; ky++ {
							for kx := 0; kx < k; kx++ {
								iy, ix := y*stride-pad+ky, x*stride-pad+kx
								if iy < 0 || iy >= h || ix < 0 || ix >= wd {
									continue
								}
								sum += float64(in[((i*c+ch)*h+iy)*wd+ix]) * float64(w[((o*c+ch)*k+ky)*k+kx])
							}
						}
					}
					if b != nil {
						sum += float64(b[o])
					}
					out[((i*f+o)*oh+y)*ow+x] = float32(sum)
				}
			}
		}
	}
	return out
}

func TestConv(t *testing.T) {
	rand.Seed(42)
	q := dev.NewQueue()
	for _, tc := range []struct {
		n, c, h, w, f, k, stride, pad int
		bias                          bool
	}{
		{1, 3, 9, 9, 4, 7, 2, 3, false},
		{2, 2, 6, 5, 3, 3, 1, 1, true},
		{1, 4, 8, 8, 2, 1, 2, 0, false},
	} {
		l := q.ConvLayer([]int{tc.n, tc.c, tc.h, tc.w}, tc.f, tc.k, tc.stride, tc.pad, tc.bias)
		input := dev.NewArray(tc.n, tc.c, tc.h, tc.w)
		inData := randArray(input.Size(), -1, 1)
		weights := randArray(tc.f*tc.c*tc.k*tc.k, -0.5, 0.5)
		var bias []float32
		q.Call(Write(input, inData), Write(l.Params()[0], weights))
		if tc.bias {
			bias = randArray(tc.f, 0.1, 0.2)
			q.Call(Write(l.Params()[1], bias))
		}
		l.SetSrc(input)
		q.Call(Fprop(l)).Finish()
		expect := convDirect(inData, weights, bias, tc.n, tc.c, tc.h, tc.w, tc.f, tc.k, tc.stride, tc.pad)
		t.Logf("conv %v -> %v", l.InShape(), l.OutShape())
		compare(t, "conv", read(q, l.Dst()), expect)
	}
}

func TestMaxPool(t *testing.T) {
	q := dev.NewQueue()
	l := q.MaxPoolLayer([]int{1, 1, 4, 4}, 3, 2, 1)
	if s := l.OutShape(); s[2] != 2 || s[3] != 2 {
		t.Fatal("bad output shape", s)
	}
	input := dev.NewArray(1, 1, 4, 4)
	q.Call(Write(input, []float32{
		-1, -2, -3, -4,
		-5, -6, -7, -8,
		-9, -10, -11, -12,
		-13, -14, -15, -16,
	}))
	l.SetSrc(input)
	q.Call(Fprop(l)).Finish()
	t.Logf("maxpool\n%s", l.Dst().String(q))
	compare(t, "maxpool", read(q, l.Dst()), []float32{-1, -2, -5, -6})
}

func TestAvgPool(t *testing.T) {
	q := dev.NewQueue()
	input := dev.NewArray(1, 2, 3, 3)
	q.Call(Write(input, []float32{
		1, 2, 3, 4, 5, 6, 7, 8, 9,
		1, 1, 1, 1, 1, 1, 1, 1, 10,
	}))
	l := q.AvgPoolLayer(input.Dims(), 1)
	l.SetSrc(input)
	q.Call(Fprop(l)).Finish()
	compare(t, "avgpool", read(q, l.Dst()), []float32{5, 2})
	// overlapping adaptive bins: 3 -> 2 uses [0,2) and [1,3)
	l2 := q.AvgPoolLayer(input.Dims(), 2)
	l2.SetSrc(input)
	q.Call(Fprop(l2)).Finish()
	compare(t, "avgpool2", read(q, l2.Dst()), []float32{3, 4, 6, 7, 1, 1, 1, 3.25})
}

// queue which reports a fixed pooling window like the GPU
type fixedWindowQueue struct{ Queue }

func (fixedWindowQueue) fixedPoolWindow() bool { return true }

func TestCheckAvgPool(t *testing.T) {
	q := dev.NewQueue()
	if err := CheckAvgPool(q, []int{1, 2, 3, 3}, 2); err != nil {
		t.Error("cpu: unexpected error", err)
	}
	fq := fixedWindowQueue{q}
	if err := CheckAvgPool(fq, []int{1, 2, 3, 3}, 2); err == nil {
		t.Error("fixed window: expected error for 3 -> 2")
	} else {
		t.Log(err)
	}
	if err := CheckAvgPool(fq, []int{1, 2, 4, 4}, 2); err != nil {
		t.Error("fixed window: unexpected error", err)
	}
	if err := CheckAvgPool(q, []int{1, 2, 4}, 1); err == nil {
		t.Error("expected error for 3d input")
	}
}

func TestBatchNorm(t *testing.T) {
	q := dev.NewQueue()
	input := dev.NewArray(1, 2, 1, 2)
	l := q.BatchNormLayer(input.Dims(), 1e-5)
	p := l.Params()
	q.Call(
		Write(input, []float32{1, 3, -2, 4}),
		Write(p[0], []float32{2, 1}),
		Write(p[1], []float32{0.5, 0}),
		Write(p[2], []float32{1, 0}),
		Write(p[3], []float32{4, 1}),
	)
	l.SetSrc(input)
	q.Call(Fprop(l)).Finish()
	s0 := float32(2 / math.Sqrt(4+1e-5))
	s1 := float32(1 / math.Sqrt(1+1e-5))
	compare(t, "batchnorm", read(q, l.Dst()), []float32{0.5, 2*s0 + 0.5, -2 * s1, 4 * s1})
}

func TestRelu(t *testing.T) {
	q := dev.NewQueue()
	input := dev.NewArray(1, 1, 2, 2)
	l := q.ReluLayer(input.Dims())
	q.Call(Write(input, []float32{-1, 0, 2, -0.5}))
	l.SetSrc(input)
	q.Call(Fprop(l)).Finish()
	compare(t, "relu", read(q, l.Dst()), []float32{0, 0, 2, 0})
}
