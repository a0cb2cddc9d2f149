// Package stats contains summary statistics for activation values.
package stats

import (
	"fmt"
	"html/template"
	"math"
	"sort"
)

// Running mean and stddev as per http://www.johndcook.com/blog/standard_deviation/
type Average struct {
	Count, Mean float64
	Var, StdDev float64
	oldM, oldV  float64
}

func (s *Average) Add(x float64) {
	s.Count++
	if s.Count == 1 {
		s.oldM, s.Mean = x, x
		s.oldV = 0
	} else {
		s.Mean = s.oldM + (x-s.oldM)/s.Count
		s.Var = s.oldV + (x-s.oldM)*(x-s.Mean)
		s.oldM, s.oldV = s.Mean, s.Var
		if s.Count > 1 {
			s.StdDev = math.Sqrt(s.Var / (s.Count - 1))
		}
	}
}

func (s *Average) HTML() template.HTML {
	var text string
	if s.Mean > 10 {
		if s.StdDev < 0.1 {
			text = fmt.Sprintf("%.1f", s.Mean)
		} else {
			text = fmt.Sprintf("%.1f&PlusMinus;%.1f", s.Mean, s.StdDev)
		}
	} else {
		if s.StdDev < 0.01 {
			text = fmt.Sprintf("%.2f", s.Mean)
		} else {
			text = fmt.Sprintf("%.2f&PlusMinus;%.2f", s.Mean, s.StdDev)
		}
	}
	return template.HTML(text)
}

// Quantile returns the p quantile of sorted data with linear interpolation between the
// closest ranks, which is the numpy default method.
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	h := p * float64(n-1)
	lo := math.Floor(h)
	i := int(lo)
	if i < 0 {
		return sorted[0]
	}
	if i >= n-1 {
		return sorted[n-1]
	}
	return lerp(sorted[i], sorted[i+1], h-lo)
}

// interpolate from the nearer end point so that lerp(a, b, 1) == b
func lerp(a, b, t float64) float64 {
	diff := b - a
	if t >= 0.5 {
		return b - diff*(1-t)
	}
	return a + diff*t
}

// Quantiles of unsorted values for each probability in ps. Any NaN value makes every result NaN.
func Quantiles(values []float32, ps ...float64) []float64 {
	res := make([]float64, len(ps))
	data := make([]float64, len(values))
	for i, v := range values {
		if v != v {
			for j := range res {
				res[j] = math.NaN()
			}
			return res
		}
		data[i] = float64(v)
	}
	sort.Float64s(data)
	for i, p := range ps {
		res[i] = Quantile(data, p)
	}
	return res
}

// Quantiles32 is Quantiles computed in single precision: the interpolation weight is rounded
// to float32 and the lerp is done in float32, as numpy does for a float32 array.
func Quantiles32(values []float32, ps ...float64) []float32 {
	res := make([]float32, len(ps))
	data := make([]float32, len(values))
	for i, v := range values {
		if v != v {
			nan := float32(math.NaN())
			for j := range res {
				res[j] = nan
			}
			return res
		}
		data[i] = v
	}
	sort.Slice(data, func(i, j int) bool { return data[i] < data[j] })
	n := len(data)
	for i, p := range ps {
		if n == 0 {
			res[i] = float32(math.NaN())
			continue
		}
		h := p * float64(n-1)
		lo := math.Floor(h)
		switch j := int(lo); {
		case j < 0:
			res[i] = data[0]
		case j >= n-1:
			res[i] = data[n-1]
		default:
			res[i] = lerp32(data[j], data[j+1], float32(h-lo))
		}
	}
	return res
}

func lerp32(a, b, t float32) float32 {
	diff := b - a
	if t >= 0.5 {
		return b - float32(diff*(1-t))
	}
	return a + float32(diff*t)
}

// Summary statistics for a set of activations
type Summary struct {
	Min, Max float64
	Q10, Q90 float64
	Average
}

// Summarize computes the range, mean, standard deviation and 10th and 90th percentiles.
func Summarize(values []float32) Summary {
	s := Summary{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		x := float64(v)
		s.Min = math.Min(s.Min, x)
		s.Max = math.Max(s.Max, x)
		s.Add(x)
	}
	q := Quantiles(values, 0.1, 0.9)
	s.Q10, s.Q90 = q[0], q[1]
	return s
}

func (s Summary) String() string {
	return fmt.Sprintf("min=%.4g max=%.4g mean=%.4g std=%.4g q10=%.4g q90=%.4g",
		s.Min, s.Max, s.Mean, s.StdDev, s.Q10, s.Q90)
}
