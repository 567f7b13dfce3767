package model

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Model names produced by the trainer.
const (
	KindLinear = "linear_regression"
	KindRidge  = "ridge_regression"
)

// Regressor is a trained single-output model.
type Regressor interface {
	Kind() string
	Predict(x []float64) (float64, error)
}

// Linear is an L2-regularised least-squares model fitted on standardised
// inputs. Coefficients are stored in the original input scale.
type Linear struct {
	Name      string    `json:"name"`
	Lambda    float64   `json:"lambda"`
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
}

// Kind implements Regressor.
func (l *Linear) Kind() string { return l.Name }

// Predict implements Regressor.
func (l *Linear) Predict(x []float64) (float64, error) {
	if len(x) != len(l.Coef) {
		return 0, fmt.Errorf("%s: got %d inputs, model has %d", l.Name, len(x), len(l.Coef))
	}
	return l.Intercept + floats.Dot(l.Coef, x), nil
}

// FitLinear solves (ZᵀZ + λI)w = Zᵀ(y-ȳ) by Cholesky, where Z is x with each
// column centred and scaled to unit variance. Constant columns get a zero
// coefficient. lambda must be positive so the system stays definite.
func FitLinear(name string, x [][]float64, y []float64, lambda float64) (*Linear, error) {
	n := len(x)
	if n == 0 || n != len(y) {
		return nil, fmt.Errorf("fit %s: %d rows for %d targets", name, n, len(y))
	}
	if lambda <= 0 {
		return nil, fmt.Errorf("fit %s: lambda must be positive, got %v", name, lambda)
	}
	p := len(x[0])
	if p == 0 {
		return nil, fmt.Errorf("fit %s: no input columns", name)
	}

	means := make([]float64, p)
	scales := make([]float64, p)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := range x {
			if len(x[i]) != p {
				return nil, fmt.Errorf("fit %s: row %d has %d columns, want %d", name, i, len(x[i]), p)
			}
			col[i] = x[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		means[j], scales[j] = mean, std
	}

	z := mat.NewDense(n, p, nil)
	for i := range x {
		for j := 0; j < p; j++ {
			z.Set(i, j, (x[i][j]-means[j])/scales[j])
		}
	}

	yMean := stat.Mean(y, nil)
	centred := make([]float64, n)
	for i, v := range y {
		centred[i] = v - yMean
	}

	var gram mat.SymDense
	gram.SymOuterK(1, z.T())
	for j := 0; j < p; j++ {
		gram.SetSym(j, j, gram.At(j, j)+lambda)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(&gram); !ok {
		return nil, fmt.Errorf("fit %s: normal equations are not positive definite", name)
	}

	var rhs mat.VecDense
	rhs.MulVec(z.T(), mat.NewVecDense(n, centred))

	var w mat.VecDense
	if err := chol.SolveVecTo(&w, &rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, fmt.Errorf("fit %s: %w", name, err)
		}
	}

	coef := make([]float64, p)
	intercept := yMean
	for j := 0; j < p; j++ {
		coef[j] = w.AtVec(j) / scales[j]
		intercept -= coef[j] * means[j]
	}

	return &Linear{Name: name, Lambda: lambda, Coef: coef, Intercept: intercept}, nil
}
