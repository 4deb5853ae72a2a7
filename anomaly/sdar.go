package anomaly

import "math"

const (
	// varianceFloor keeps the log-loss denominator away from zero once
	// a series has gone flat.
	varianceFloor = 1e-8
	// energyEpsilon stops the Levinson-Durbin recursion when the
	// remaining prediction-error energy is numerically spent.
	energyEpsilon = 1e-12
)

// SDAR is a sequentially discounting autoregressive model: an online
// AR(order) fit where every statistic is an exponentially weighted
// average with discount rate r, so recent samples dominate and the
// model tracks drift.
type SDAR struct {
	r     float64
	order int

	mean     float64
	cov      []float64 // autocovariance estimates, lag 0..order
	variance float64   // prediction-error variance
}

// NewSDAR creates a model with discount rate r in (0,1) and the given
// AR order. Out-of-range parameters fall back to the defaults. The
// error variance starts at 1 so early scores stay bounded instead of
// dividing by a cold-start zero.
func NewSDAR(r float64, order int) *SDAR {
	if r <= 0 || r >= 1 {
		r = DefaultDiscountRate
	}
	if order < 1 {
		order = DefaultOrder
	}
	return &SDAR{
		r:        r,
		order:    order,
		cov:      make([]float64, order+1),
		variance: 1,
	}
}

// Update consumes the next sample together with the preceding window
// (the previous order samples, most recent last) and returns the
// log-loss of the sample under the model's one-step prediction:
//
//	0.5*(x-x̂)²/σ² + 0.5*(ln 2π + ln σ²)
//
// clamped at zero. The variance update runs before scoring, which
// bounds the normalized error term by 1/(2r) even on a huge spike.
func (s *SDAR) Update(x float64, window []float64) float64 {
	s.mean = (1-s.r)*s.mean + s.r*x

	for j := 0; j <= s.order; j++ {
		lagged := x
		if j > 0 {
			if j > len(window) {
				break
			}
			lagged = window[len(window)-j]
		}
		s.cov[j] = (1-s.r)*s.cov[j] + s.r*(x-s.mean)*(lagged-s.mean)
	}

	coeffs := levinsonDurbin(s.cov)
	pred := s.mean
	for j := 1; j <= s.order && j <= len(window); j++ {
		pred += coeffs[j-1] * (window[len(window)-j] - s.mean)
	}

	residual := x - pred
	s.variance = (1-s.r)*s.variance + s.r*residual*residual
	if s.variance < varianceFloor {
		s.variance = varianceFloor
	}

	score := 0.5*residual*residual/s.variance + 0.5*(math.Log(2*math.Pi)+math.Log(s.variance))
	if score < 0 {
		return 0
	}
	return score
}

// levinsonDurbin solves the Yule-Walker equations for the AR
// coefficients given autocovariances c[0..p]. The recursion stops early
// when the prediction-error energy is exhausted, leaving the remaining
// coefficients at zero.
func levinsonDurbin(c []float64) []float64 {
	p := len(c) - 1
	a := make([]float64, p+1)
	energy := c[0]

	for k := 1; k <= p; k++ {
		if math.Abs(energy) < energyEpsilon {
			break
		}
		acc := c[k]
		for j := 1; j < k; j++ {
			acc -= a[j] * c[k-j]
		}
		kappa := acc / energy

		prev := append([]float64(nil), a...)
		a[k] = kappa
		for j := 1; j < k; j++ {
			a[j] = prev[j] - kappa*prev[k-j]
		}
		energy *= 1 - kappa*kappa
	}
	return a[1:]
}
