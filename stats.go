package main

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Summary collects the error statistics of one evaluation of the
// training set, all in kcal/mol
type Summary struct {
	MAE  float64
	RMSD float64
	Max  float64
	N    int
}

// Summarize computes the statistics of the error vector errs
func Summarize(errs *mat.VecDense) Summary {
	if errs == nil || errs.Len() == 0 {
		return Summary{MAE: math.NaN(), RMSD: math.NaN(), Max: math.NaN()}
	}
	return Summary{
		MAE:  meanAbs(errs),
		RMSD: RMSD(errs),
		Max:  MaxAbs(errs),
		N:    errs.Len(),
	}
}

// Norm computes the Euclidean norm of the error vector
func Norm(errs mat.Vector) float64 {
	return mat.Norm(errs, 2)
}

// RMSD computes the root-mean-square of the error vector
func RMSD(errs mat.Vector) float64 {
	n := errs.Len()
	if n == 0 {
		return math.NaN()
	}
	// root of the mean of the squares
	return Norm(errs) / math.Sqrt(float64(n))
}

// MaxAbs returns the largest absolute error
func MaxAbs(errs mat.Vector) (max float64) {
	for i := 0; i < errs.Len(); i++ {
		if v := math.Abs(errs.AtVec(i)); v > max {
			max = v
		}
	}
	return
}
