// Package stats provides the descriptive statistics used by the analysis rules.
package stats

import (
	"math"
	"sort"
)

// IQRMultiplier sets the Tukey fences at Q1-1.5*IQR and Q3+1.5*IQR.
const IQRMultiplier = 1.5

// Sorted returns a sorted copy of values.
func Sorted(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// Quantile returns the p-th quantile (0 <= p <= 1) of already sorted values
// using linear interpolation between order statistics (R-7):
// h = p*(n-1), result = x[floor(h)] + (h-floor(h))*(x[ceil(h)]-x[floor(h)]).
func Quantile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	h := p * float64(n-1)
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[hi]-sorted[lo])
}

// Mean returns the arithmetic mean, or NaN for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// SampleVariance returns the variance with denominator n-1.
// Fewer than two values yield NaN.
func SampleVariance(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return math.NaN()
	}
	mean := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return ss / float64(n-1)
}

// SampleStdDev returns the square root of SampleVariance.
func SampleStdDev(values []float64) float64 {
	return math.Sqrt(SampleVariance(values))
}

// CoefficientOfVariation returns stddev/|mean|. ok is false when fewer than
// two values are given or the mean is zero.
func CoefficientOfVariation(values []float64) (cv float64, ok bool) {
	if len(values) < 2 {
		return 0, false
	}
	mean := Mean(values)
	if mean == 0 {
		return 0, false
	}
	return SampleStdDev(values) / math.Abs(mean), true
}

// Fences holds the Tukey outlier bounds for a sample.
type Fences struct {
	Q1    float64 `json:"q1"`
	Q3    float64 `json:"q3"`
	IQR   float64 `json:"iqr"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// TukeyFences computes Q1/Q3 and the 1.5*IQR fences.
func TukeyFences(values []float64) Fences {
	s := Sorted(values)
	q1 := Quantile(s, 0.25)
	q3 := Quantile(s, 0.75)
	iqr := q3 - q1
	return Fences{
		Q1:    q1,
		Q3:    q3,
		IQR:   iqr,
		Lower: q1 - IQRMultiplier*iqr,
		Upper: q3 + IQRMultiplier*iqr,
	}
}

// Outliers counts values strictly outside the fences.
func (f Fences) Outliers(values []float64) int {
	count := 0
	for _, v := range values {
		if v < f.Lower || v > f.Upper {
			count++
		}
	}
	return count
}
