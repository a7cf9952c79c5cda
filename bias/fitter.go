package bias

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	// nParams is the number of free model parameters (x0, y0, σx, σy, A)
	nParams = 5

	// minSpread keeps the spreads strictly positive
	minSpread = 1e-6

	lmInitialLambda = 1e-3
	lmMaxLambda     = 1e16
	lmMinLambda     = 1e-12
	lmFTol          = 1e-12 // relative cost reduction considered converged
	lmXTol          = 1e-10 // relative step size considered converged
	lmGTol          = 1e-12 // gradient infinity norm considered converged
	lmCostFloor     = 1e-24 // exact fit
)

// Eval returns the model value at (x, y):
//
//	A * (ceiling - exp(-((x-x0)²/(2σx²) + (y-y0)²/(2σy²))))
func (m BiasModel) Eval(x, y, ceiling float64) float64 {
	dx, dy := x-m.OffsetX, y-m.OffsetY
	e := math.Exp(-(dx*dx/(2*m.SpreadX*m.SpreadX) + dy*dy/(2*m.SpreadY*m.SpreadY)))
	return m.Amplitude * (ceiling - e)
}

// Surface evaluates the model over a square grid (rows follow y, columns x)
func (m BiasModel) Surface(axis []float64, ceiling float64) Matrix {
	out := NewMatrix(len(axis), len(axis))
	for i, y := range axis {
		for j, x := range axis {
			out[i][j] = m.Eval(x, y, ceiling)
		}
	}
	return out
}

// FitResult is a successful bias fit
type FitResult struct {
	Model       BiasModel
	Surface     Matrix  // model evaluated over the whole grid
	Bias        float64 // model value at the fitted offset
	RMSE        float64 // between the fitted and observed surfaces
	Evaluations int
}

// Fitter fits the inverted-Gaussian bias model with a bounded Levenberg-Marquardt
// solver. A Fitter holds no state between calls.
type Fitter struct {
	HalfExtent     float64 // bound on |x0| and |y0|
	Ceiling        float64
	InitialSpread  float64
	MaxEvaluations int
}

// NewFitter builds a fitter from config
func NewFitter(cfg *Config) *Fitter {
	return &Fitter{
		HalfExtent:     cfg.Grid.HalfExtent,
		Ceiling:        cfg.Model.Ceiling,
		InitialSpread:  cfg.Model.InitialSpread,
		MaxEvaluations: cfg.Model.MaxEvaluations,
	}
}

// fitData is the flattened set of finite observations
type fitData struct {
	x, y, z []float64
}

func (f *Fitter) lower() [nParams]float64 {
	return [nParams]float64{-f.HalfExtent, -f.HalfExtent, minSpread, minSpread, 0}
}

func (f *Fitter) upper() [nParams]float64 {
	inf := math.Inf(1)
	return [nParams]float64{f.HalfExtent, f.HalfExtent, inf, inf, inf}
}

func (f *Fitter) clamp(p [nParams]float64) [nParams]float64 {
	lo, hi := f.lower(), f.upper()
	for i := range p {
		p[i] = math.Min(math.Max(p[i], lo[i]), hi[i])
	}
	return p
}

func toModel(p [nParams]float64) BiasModel {
	return BiasModel{OffsetX: p[0], OffsetY: p[1], SpreadX: p[2], SpreadY: p[3], Amplitude: p[4]}
}

// residuals returns model - observed and half the sum of squares
func (f *Fitter) residuals(p [nParams]float64, d *fitData, r *mat.VecDense) float64 {
	m := toModel(p)
	var cost float64
	for k := range d.z {
		v := m.Eval(d.x[k], d.y[k], f.Ceiling) - d.z[k]
		r.SetVec(k, v)
		cost += v * v
	}
	return cost / 2
}

// jacobian fills J with the partial derivatives of the model at every observation
func (f *Fitter) jacobian(p [nParams]float64, d *fitData, J *mat.Dense) {
	x0, y0, sx, sy, a := p[0], p[1], p[2], p[3], p[4]
	for k := range d.z {
		dx, dy := d.x[k]-x0, d.y[k]-y0
		e := math.Exp(-(dx*dx/(2*sx*sx) + dy*dy/(2*sy*sy)))
		ae := a * e
		J.Set(k, 0, -ae*dx/(sx*sx))
		J.Set(k, 1, -ae*dy/(sy*sy))
		J.Set(k, 2, -ae*dx*dx/(sx*sx*sx))
		J.Set(k, 3, -ae*dy*dy/(sy*sy*sy))
		J.Set(k, 4, f.Ceiling-e)
	}
}

// Fit fits the model to surface, whose rows and columns are located by axis.
// NaN cells are ignored. Any failure is reported as a *FitError.
func (f *Fitter) Fit(surface Matrix, axis []float64, initX, initY float64) (*FitResult, error) {
	rows, cols := surface.Dims()
	if rows != len(axis) || cols != len(axis) {
		return nil, &FitError{Reason: fmt.Sprintf("surface is %dx%d but axis has %d entries", rows, cols, len(axis))}
	}

	d := &fitData{}
	for i, y := range axis {
		for j, x := range axis {
			if v := surface[i][j]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				d.x = append(d.x, x)
				d.y = append(d.y, y)
				d.z = append(d.z, v)
			}
		}
	}
	if len(d.z) < nParams {
		return nil, &FitError{Reason: fmt.Sprintf("only %d finite cells", len(d.z))}
	}

	p := f.clamp([nParams]float64{initX, initY, f.InitialSpread, f.InitialSpread, floats.Max(d.z)})
	p, evals, err := f.solve(p, d)
	if err != nil {
		return nil, err
	}

	model := toModel(p)
	fitted := model.Surface(axis, f.Ceiling)

	res := make([]float64, 0, len(d.z))
	for i := range axis {
		for j := range axis {
			if v := surface[i][j]; !math.IsNaN(v) && !math.IsInf(v, 0) {
				res = append(res, v-fitted[i][j])
			}
		}
	}
	rmse := floats.Norm(res, 2) / math.Sqrt(float64(len(res)))

	return &FitResult{
		Model:       model,
		Surface:     fitted,
		Bias:        model.Eval(model.OffsetX, model.OffsetY, f.Ceiling),
		RMSE:        rmse,
		Evaluations: evals,
	}, nil
}

// solve runs projected Levenberg-Marquardt from p. Steps that leave the bounds are
// clipped back onto them.
func (f *Fitter) solve(p [nParams]float64, d *fitData) ([nParams]float64, int, error) {
	n := len(d.z)
	r := mat.NewVecDense(n, nil)
	rTrial := mat.NewVecDense(n, nil)
	J := mat.NewDense(n, nParams, nil)

	cost := f.residuals(p, d, r)
	evals := 1
	if !finite(cost) {
		return p, evals, &FitError{Reason: "non-finite residuals at initial guess", Evaluations: evals}
	}

	lambda := lmInitialLambda
	for {
		if cost <= lmCostFloor {
			return p, evals, nil
		}

		f.jacobian(p, d, J)
		var g mat.VecDense
		g.MulVec(J.T(), r)
		if !finite(mat.Sum(&g)) {
			return p, evals, &FitError{Reason: "non-finite Jacobian", Evaluations: evals}
		}
		if mat.Norm(&g, math.Inf(1)) <= lmGTol {
			return p, evals, nil
		}

		var jtj mat.SymDense
		jtj.SymOuterK(1, J.T())

		improved := false
		for !improved {
			if evals >= f.MaxEvaluations {
				return p, evals, &FitError{Reason: "evaluation budget exhausted", Evaluations: evals}
			}
			if lambda > lmMaxLambda {
				// no direction reduces the cost any further
				return p, evals, nil
			}

			aug := mat.NewSymDense(nParams, nil)
			aug.CopySym(&jtj)
			for i := range nParams {
				diag := math.Max(jtj.At(i, i), 1e-12)
				aug.SetSym(i, i, jtj.At(i, i)+lambda*diag)
			}

			var chol mat.Cholesky
			if ok := chol.Factorize(aug); !ok {
				lambda *= 10
				continue
			}
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, &g); err != nil {
				lambda *= 10
				continue
			}

			var trial [nParams]float64
			for i := range nParams {
				trial[i] = p[i] - delta.AtVec(i)
			}
			trial = f.clamp(trial)

			var stepNorm, pNorm float64
			for i := range nParams {
				stepNorm += (trial[i] - p[i]) * (trial[i] - p[i])
				pNorm += p[i] * p[i]
			}
			if math.Sqrt(stepNorm) <= lmXTol*(math.Sqrt(pNorm)+lmXTol) {
				return p, evals, nil
			}

			trialCost := f.residuals(trial, d, rTrial)
			evals++
			if !finite(trialCost) || trialCost >= cost {
				lambda *= 10
				continue
			}

			reduction := (cost - trialCost) / cost
			p = trial
			cost = trialCost
			r.CopyVec(rTrial)
			lambda = math.Max(lambda/10, lmMinLambda)
			improved = true

			if reduction <= lmFTol {
				return p, evals, nil
			}
		}
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
