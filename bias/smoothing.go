package bias

import "math"

// gaussianTruncate is the kernel half-width in standard deviations
const gaussianTruncate = 4.0

// gaussianKernel1D returns the normalized 1D kernel for sigma
func gaussianKernel1D(sigma float64) []float64 {
	radius := int(gaussianTruncate*sigma + 0.5)
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-0.5 * float64(i*i) / (sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// reflectIndex mirrors an out-of-range index about the edges with the edge sample
// repeated (d c b a | a b c d | d c b a)
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i - 1
		}
		if i >= n {
			i = 2*n - i - 1
		}
	}
	return i
}

// GaussianSmooth applies a separable Gaussian filter to m. A sigma of zero returns
// an unmodified copy.
func GaussianSmooth(m Matrix, sigma float64) Matrix {
	if sigma <= 0 {
		return m.Clone()
	}
	rows, cols := m.Dims()
	kernel := gaussianKernel1D(sigma)
	radius := len(kernel) / 2

	// rows first, then columns
	tmp := NewMatrix(rows, cols)
	for i := range rows {
		for j := range cols {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * m[i][reflectIndex(j+k, cols)]
			}
			tmp[i][j] = acc
		}
	}

	out := NewMatrix(rows, cols)
	for i := range rows {
		for j := range cols {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * tmp[reflectIndex(i+k, rows)][j]
			}
			out[i][j] = acc
		}
	}
	return out
}
