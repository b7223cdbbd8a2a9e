// Package filter estimates a room temperature and its rate of change from
// noisy, irregularly spaced samples with an Unscented Kalman Filter.
//
// The state is [temperature, velocity] with velocity in degrees per second.
// The process model is constant velocity, the measurement observes the
// temperature only.
package filter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrInvalidParameter is returned for a non-positive interval or aggressiveness.
var ErrInvalidParameter = errors.New("invalid filter parameter")

const (
	dimX = 2

	// Merwe scaled sigma points
	alpha = 0.1
	beta  = 2.0
	kappa = 3.0 - dimX

	initialCovariance = 10.0

	processNoiseScale     = 1e-4
	measurementNoiseScale = 3.0

	jitter = 1e-9

	// relative interval change that triggers a noise recomputation
	intervalTolerance = 0.01
)

// Option configures a Filter.
type Option func(*Filter)

// WithClock replaces the wall clock used to measure prediction steps.
func WithClock(clock func() time.Time) Option {
	return func(f *Filter) { f.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.log = l }
}

// Filter is a two state UKF. It is not safe for concurrent use.
type Filter struct {
	x *mat.VecDense
	p *mat.SymDense
	q *mat.SymDense
	r float64

	noiseDt        float64
	aggressiveness float64

	wm, wc []float64
	lambda float64

	// sigma points after the last prediction, nil when stale
	sigmasF []*mat.VecDense

	lastPredict time.Time
	clock       func() time.Time
	log         *slog.Logger
}

// New returns a filter centered on initialTemp with zero velocity.
// initialDt is the expected sampling interval and aggressiveness the
// smoothing strength: higher values trust the model more than the samples.
func New(initialTemp float64, initialDt time.Duration, aggressiveness float64, opts ...Option) (*Filter, error) {
	if aggressiveness <= 0 || math.IsNaN(aggressiveness) {
		return nil, fmt.Errorf("%w: aggressiveness must be positive, got %v", ErrInvalidParameter, aggressiveness)
	}

	f := &Filter{
		x:              mat.NewVecDense(dimX, []float64{initialTemp, 0}),
		p:              mat.NewSymDense(dimX, []float64{initialCovariance, 0, 0, initialCovariance}),
		aggressiveness: aggressiveness,
		clock:          time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.log = f.log.With("component", "filter")
	f.computeWeights()

	if err := f.SetNoiseParameters(initialDt); err != nil {
		return nil, err
	}
	f.lastPredict = f.clock()
	return f, nil
}

func (f *Filter) computeWeights() {
	n := float64(dimX)
	f.lambda = alpha*alpha*(n+kappa) - n
	count := 2*dimX + 1
	f.wm = make([]float64, count)
	f.wc = make([]float64, count)
	w := 1.0 / (2 * (n + f.lambda))
	for i := range f.wm {
		f.wm[i] = w
		f.wc[i] = w
	}
	f.wm[0] = f.lambda / (n + f.lambda)
	f.wc[0] = f.wm[0] + (1 - alpha*alpha + beta)
}

// SetNoiseParameters recomputes the process and measurement noise for a
// sampling interval dt.
func (f *Filter) SetNoiseParameters(dt time.Duration) error {
	if dt <= 0 {
		return fmt.Errorf("%w: sampling interval must be positive, got %v", ErrInvalidParameter, dt)
	}
	s := dt.Seconds()
	f.noiseDt = s

	// discrete white noise acceleration model
	std := processNoiseScale / f.aggressiveness / math.Pow(s, 1.2)
	v := std * std
	f.q = mat.NewSymDense(dimX, []float64{
		0.25 * math.Pow(s, 4) * v, 0.5 * math.Pow(s, 3) * v,
		0.5 * math.Pow(s, 3) * v, s * s * v,
	})

	m := f.aggressiveness * math.Pow(measurementNoiseScale/s, 0.8)
	f.r = m * m

	f.log.Debug("noise parameters updated", "dt", s, "aggressiveness", f.aggressiveness, "r", f.r)
	return nil
}

// SetAggressiveness changes the smoothing strength and recomputes the noise.
func (f *Filter) SetAggressiveness(a float64) error {
	if a <= 0 || math.IsNaN(a) {
		return fmt.Errorf("%w: aggressiveness must be positive, got %v", ErrInvalidParameter, a)
	}
	f.aggressiveness = a
	return f.SetNoiseParameters(time.Duration(f.noiseDt * float64(time.Second)))
}

// Predict advances the estimate by the wall-clock time elapsed since the
// previous prediction. The noise matrices follow the measured interval.
func (f *Filter) Predict() {
	now := f.clock()
	elapsed := now.Sub(f.lastPredict)
	f.lastPredict = now
	if elapsed < 0 {
		elapsed = 0
	}
	dt := elapsed.Seconds()
	if dt > 0 && math.Abs(dt-f.noiseDt) > intervalTolerance*f.noiseDt {
		if err := f.SetNoiseParameters(elapsed); err != nil {
			f.log.Warn("keeping noise parameters", "error", err)
		}
	}
	f.predict(dt)
}

func (f *Filter) predict(dt float64) {
	sigmas, err := f.sigmaPoints()
	if err != nil {
		f.log.Warn("skipping prediction", "error", err)
		return
	}

	fx := mat.NewDense(dimX, dimX, []float64{1, dt, 0, 1})
	f.sigmasF = make([]*mat.VecDense, len(sigmas))
	for i, s := range sigmas {
		out := mat.NewVecDense(dimX, nil)
		out.MulVec(fx, s)
		f.sigmasF[i] = out
	}

	x, p := f.unscentedTransform(f.sigmasF)
	p.AddSym(p, f.q)
	f.x = x
	f.p = p
}

// Update assimilates one temperature measurement.
func (f *Filter) Update(z float64) {
	if math.IsNaN(z) || math.IsInf(z, 0) {
		f.log.Warn("ignoring invalid measurement", "value", z)
		return
	}

	sigmas := f.sigmasF
	if sigmas == nil {
		var err error
		if sigmas, err = f.sigmaPoints(); err != nil {
			f.log.Warn("skipping update", "error", err)
			return
		}
	}

	// measurement sigma points: h(x) = temperature
	var zp float64
	zs := make([]float64, len(sigmas))
	for i, s := range sigmas {
		zs[i] = s.AtVec(0)
		zp += f.wm[i] * zs[i]
	}

	pz := f.r
	pxz := mat.NewVecDense(dimX, nil)
	for i, s := range sigmas {
		dz := zs[i] - zp
		pz += f.wc[i] * dz * dz
		dx := mat.NewVecDense(dimX, nil)
		dx.SubVec(s, f.x)
		pxz.AddScaledVec(pxz, f.wc[i]*dz, dx)
	}
	if pz <= 0 {
		f.log.Warn("skipping update, innovation covariance not positive", "pz", pz)
		return
	}

	k := mat.NewVecDense(dimX, nil)
	k.ScaleVec(1/pz, pxz)

	f.x.AddScaledVec(f.x, z-zp, k)
	f.p.SymRankOne(f.p, -pz, k)
	f.sigmasF = nil
}

// sigmaPoints generates 2n+1 Merwe sigma points around the current estimate.
func (f *Filter) sigmaPoints() ([]*mat.VecDense, error) {
	n := float64(dimX)
	scaled := mat.NewSymDense(dimX, nil)
	scaled.ScaleSym(n+f.lambda, symmetrize(f.p))

	var chol mat.Cholesky
	if !chol.Factorize(scaled) {
		for i := 0; i < dimX; i++ {
			scaled.SetSym(i, i, scaled.At(i, i)+jitter)
		}
		if !chol.Factorize(scaled) {
			return nil, errors.New("covariance is not positive definite")
		}
		f.log.Debug("covariance repaired with jitter")
	}
	var l mat.TriDense
	chol.LTo(&l)

	sigmas := make([]*mat.VecDense, 0, 2*dimX+1)
	sigmas = append(sigmas, mat.VecDenseCopyOf(f.x))
	for sign := 1.0; sign >= -1; sign -= 2 {
		for k := 0; k < dimX; k++ {
			col := mat.NewVecDense(dimX, nil)
			for i := 0; i < dimX; i++ {
				col.SetVec(i, l.At(i, k))
			}
			s := mat.NewVecDense(dimX, nil)
			s.AddScaledVec(f.x, sign, col)
			sigmas = append(sigmas, s)
		}
	}
	return sigmas, nil
}

func (f *Filter) unscentedTransform(sigmas []*mat.VecDense) (*mat.VecDense, *mat.SymDense) {
	x := mat.NewVecDense(dimX, nil)
	for i, s := range sigmas {
		x.AddScaledVec(x, f.wm[i], s)
	}

	p := mat.NewSymDense(dimX, nil)
	for i, s := range sigmas {
		d := mat.NewVecDense(dimX, nil)
		d.SubVec(s, x)
		p.SymRankOne(p, f.wc[i], d)
	}
	return x, p
}

// symmetrize returns (P + Pᵀ)/2 as a new symmetric matrix.
func symmetrize(p mat.Symmetric) *mat.SymDense {
	out := mat.NewSymDense(dimX, nil)
	for i := 0; i < dimX; i++ {
		for j := i; j < dimX; j++ {
			out.SetSym(i, j, 0.5*(p.At(i, j)+p.At(j, i)))
		}
	}
	return out
}

// Temperature returns the estimated temperature.
func (f *Filter) Temperature() float64 { return f.x.AtVec(0) }

// Velocity returns the estimated rate of change in degrees per second.
func (f *Filter) Velocity() float64 { return f.x.AtVec(1) }

// Aggressiveness returns the smoothing strength.
func (f *Filter) Aggressiveness() float64 { return f.aggressiveness }

// Covariance returns a copy of the state covariance.
func (f *Filter) Covariance() *mat.SymDense {
	out := mat.NewSymDense(dimX, nil)
	out.CopySym(f.p)
	return out
}

// MeasurementNoise returns the measurement noise variance.
func (f *Filter) MeasurementNoise() float64 { return f.r }

// ProcessNoise returns a copy of the process noise covariance.
func (f *Filter) ProcessNoise() *mat.SymDense {
	out := mat.NewSymDense(dimX, nil)
	out.CopySym(f.q)
	return out
}
