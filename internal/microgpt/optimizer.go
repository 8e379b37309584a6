package microgpt

import "math"

// Adam is a flat-vector Adam optimizer; ParamCount must match the
// total element count of whatever parameter set Step is called with.
type Adam struct {
	lr      float32
	beta1   float32
	beta2   float32
	eps     float32
	t       int
	m       []float32
	v       []float32
}

func NewAdam(paramCount int, lr float32) *Adam {
	return &Adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		m:     make([]float32, paramCount),
		v:     make([]float32, paramCount),
	}
}

// Step applies one Adam update in place to params given grads,
// both flat slices over the same offset space as m/v.
func (a *Adam) Step(params, grads []float32, offset int) {
	a.t++
	biasCorr1 := 1 - float32(math.Pow(float64(a.beta1), float64(a.t)))
	biasCorr2 := 1 - float32(math.Pow(float64(a.beta2), float64(a.t)))
	for i, g := range grads {
		idx := offset + i
		a.m[idx] = a.beta1*a.m[idx] + (1-a.beta1)*g
		a.v[idx] = a.beta2*a.v[idx] + (1-a.beta2)*g*g
		mHat := a.m[idx] / biasCorr1
		vHat := a.v[idx] / biasCorr2
		params[i] -= a.lr * mHat / (float32(math.Sqrt(float64(vHat))) + a.eps)
	}
}
