package document

import "math"

// Transform is a row-major 4x4 affine matrix.
type Transform [16]float64

func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

func Translation(dx, dy, dz float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = dx, dy, dz
	return t
}

func Scale(s float64) Transform {
	t := Identity()
	t[0], t[5], t[10] = s, s, s
	return t
}

// Multiply returns t*o (o is applied first).
func (t Transform) Multiply(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the inverse matrix, or false when t is singular.
func (t Transform) Inverse() (Transform, bool) {
	// Gauss-Jordan elimination with partial pivoting on [t | I].
	var a [4][8]float64
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = t[r*4+c]
		}
		a[r][4+r] = 1
	}

	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return Transform{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]

		p := a[col][col]
		for c := 0; c < 8; c++ {
			a[col][c] /= p
		}
		for r := 0; r < 4; r++ {
			if r == col || a[r][col] == 0 {
				continue
			}
			f := a[r][col]
			for c := 0; c < 8; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = a[r][4+c]
		}
	}
	return out, true
}

// ApproxEqual compares two transforms element-wise within tol.
func (t Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := range t {
		if math.Abs(t[i]-o[i]) > tol {
			return false
		}
	}
	return true
}

// IsIdentity reports whether t is the identity within a small tolerance.
func (t Transform) IsIdentity() bool {
	return t.ApproxEqual(Identity(), 1e-12)
}
