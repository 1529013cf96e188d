// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            log.New(io.Discard, "", 0),
}

// standardize scales a to zero mean and unit variance, reporting
// false for a constant series.
func standardize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// Logistic regression.
//
// glmPvalueFunc fits the null model, membership ~ batch, once, and
// returns a function computing the likelihood-ratio p-value for
// adding one gene's expression to it.
func glmPvalueFunc(membership []bool, batchDummies [][]statmodel.Dtype, dummyNames []string) func(expr []float64) float64 {
	outcome := make([]statmodel.Dtype, len(membership))
	constants := make([]statmodel.Dtype, len(membership))
	for i, in := range membership {
		if in {
			outcome[i] = 1
		}
		constants[i] = 1
	}
	data := append([][]statmodel.Dtype{outcome, constants}, batchDummies...)
	names := append([]string{"outcome", "constants"}, dummyNames...)
	dataset := statmodel.NewDataset(data, names)

	model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
	if err != nil {
		log.Printf("%s", err)
		return func([]float64) float64 { return math.NaN() }
	}
	resultNull := model.Fit()
	logNull := resultNull.LogLike()

	return func(expr []float64) (p float64) {
		defer func() {
			if recover() != nil {
				// typically "matrix singular or near-singular with condition number +Inf"
				p = math.NaN()
			}
		}()

		series := make([]statmodel.Dtype, len(expr))
		copy(series, expr)
		if !standardize(series) {
			return math.NaN()
		}

		data := append([][]statmodel.Dtype{data[0], series}, data[1:]...)
		names := append([]string{"outcome", "expr"}, names[1:]...)
		dataset := statmodel.NewDataset(data, names)

		model, err := glm.NewGLM(dataset, "outcome", names[1:], glmConfig)
		if err != nil {
			return math.NaN()
		}
		resultFull := model.Fit()
		logFull := resultFull.LogLike()
		dist := distuv.ChiSquared{K: 1}
		return dist.Survival(-2 * (logNull - logFull))
	}
}
