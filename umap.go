// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/optimize"
)

type umapcmd struct {
	dims         int
	neighbors    int
	minDist      float64
	spread       float64
	epochs       int
	negSamples   int
	learningRate float64
	matrixName   string
	seed         int64
}

func (cmd *umapcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.IntVar(&cmd.dims, "dims", 2, "embedding dimensions")
	flags.IntVar(&cmd.neighbors, "neighbors", 15, "neighbors per cell")
	flags.Float64Var(&cmd.minDist, "min-dist", 0.1, "minimum `distance` between embedded points")
	flags.Float64Var(&cmd.spread, "spread", 1, "`scale` of the embedded cloud")
	flags.IntVar(&cmd.epochs, "epochs", 0, "optimization epochs (0 = auto)")
	flags.IntVar(&cmd.negSamples, "neg-samples", 5, "negative samples per positive edge")
	flags.Float64Var(&cmd.learningRate, "learning-rate", 1, "initial SGD learning rate")
	flags.StringVar(&cmd.matrixName, "matrix", "", "matrix to embed (default mnn, falling back to pca)")
	flags.Int64Var(&cmd.seed, "seed", 1, "random seed")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if cmd.dims < 1 {
		err = fmt.Errorf("-dims=%d is not a dimension count", cmd.dims)
		return 2
	}
	if cmd.neighbors < 2 {
		err = fmt.Errorf("-neighbors=%d is too few", cmd.neighbors)
		return 2
	}
	if !(cmd.minDist > 0) || !(cmd.spread > 0) {
		err = errors.New("-min-dist and -spread must be positive")
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern umap",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         24000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"umap", "-local=true",
			"-dims", strconv.Itoa(cmd.dims),
			"-neighbors", strconv.Itoa(cmd.neighbors),
			fmt.Sprintf("-min-dist=%g", cmd.minDist),
			fmt.Sprintf("-spread=%g", cmd.spread),
			"-epochs", strconv.Itoa(cmd.epochs),
			"-neg-samples", strconv.Itoa(cmd.negSamples),
			fmt.Sprintf("-learning-rate=%g", cmd.learningRate),
			"-matrix", cmd.matrixName,
			"-seed", strconv.FormatInt(cmd.seed, 10),
			"-i", *inputFilename,
			"-o", "/mnt/output/library.gob",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/library.gob")
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	err = cmd.umap(lib)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// umap embeds the cells in cmd.dims dimensions: fuzzy simplicial set
// from the neighbor graph, PCA initialization, then negative-sampling
// SGD on the cross-entropy layout objective.
func (cmd *umapcmd) umap(lib *cellLibrary) error {
	graph, err := ensureGraph(lib, cmd.matrixName, cmd.neighbors)
	if err != nil {
		return err
	}
	src, err := lib.requireMatrix(graph.Name, "pca or integrate")
	if err != nil {
		return err
	}
	n := len(graph.Neighbors)
	if n < cmd.dims+2 {
		return fmt.Errorf("cannot embed %d cells in %d dimensions", n, cmd.dims)
	}
	if len(src.Columns) < cmd.dims {
		return fmt.Errorf("matrix %q has %d columns, need %d to initialize the embedding", src.Name, len(src.Columns), cmd.dims)
	}

	heads, tails, weights := fuzzyUnion(graph, cmd.neighbors)
	a, b := fitCurveParams(cmd.minDist, cmd.spread)
	epochs := cmd.epochs
	if epochs <= 0 {
		if n <= 10000 {
			epochs = 500
		} else {
			epochs = 200
		}
	}
	log.Printf("umap: %d cells, %d edges, %d epochs (a=%.4g b=%.4g)", n, len(heads), epochs, a, b)

	// Initialize from the source matrix, scaled down so early epochs
	// dominate the layout.
	emb := make([][]float64, n)
	for d := 0; d < cmd.dims; d++ {
		mean, sd := 0.0, 0.0
		for _, row := range src.Rows {
			mean += float64(row[d])
		}
		mean /= float64(n)
		for _, row := range src.Rows {
			dv := float64(row[d]) - mean
			sd += dv * dv
		}
		sd = math.Sqrt(sd / float64(n-1))
		for i, row := range src.Rows {
			if emb[i] == nil {
				emb[i] = make([]float64, cmd.dims)
			}
			if sd > 0 {
				emb[i][d] = (float64(row[d]) - mean) / sd * 1e-4
			}
		}
	}

	cmd.optimizeLayout(emb, heads, tails, weights, a, b, epochs)

	cols := make([]string, cmd.dims)
	for d := range cols {
		cols[d] = fmt.Sprintf("UMAP%d", d+1)
	}
	rows := make([][]float32, n)
	for i, vals := range emb {
		row := make([]float32, len(vals))
		for d, v := range vals {
			row[d] = float32(v)
		}
		rows[i] = row
	}
	lib.setMatrix("umap", cols, rows)
	return nil
}

// fuzzyUnion converts the neighbor graph into an undirected weighted
// edge list: per-cell smoothed membership strengths, symmetrized by
// fuzzy set union (a + b - ab).
func fuzzyUnion(graph *NeighborGraph, k int) (heads, tails []int32, weights []float64) {
	merged := map[int64]float64{}
	for i, nbrs := range graph.Neighbors {
		if len(nbrs) > k {
			nbrs = nbrs[:k]
		}
		dists := graph.Distances[i][:len(nbrs)]
		rho, sigma := smoothKNN(dists)
		for x, j := range nbrs {
			d := float64(dists[x])
			w := 1.0
			if d > rho {
				w = math.Exp(-(d - rho) / sigma)
			}
			lo, hi := int32(i), j
			if lo > hi {
				lo, hi = hi, lo
			}
			key := int64(lo)<<32 | int64(hi)
			prev := merged[key]
			merged[key] = prev + w - prev*w
		}
	}
	keys := make([]int64, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(a, b int) bool { return keys[a] < keys[b] })
	heads = make([]int32, len(keys))
	tails = make([]int32, len(keys))
	weights = make([]float64, len(keys))
	for e, key := range keys {
		heads[e] = int32(key >> 32)
		tails[e] = int32(key & 0xffffffff)
		weights[e] = merged[key]
	}
	return
}

// smoothKNN calibrates one cell's neighborhood: rho is the nearest
// positive distance, sigma solves sum(exp(-max(0,d-rho)/sigma)) =
// log2(k+1) by binary search.
func smoothKNN(dists []float32) (rho, sigma float64) {
	for _, d := range dists {
		if d > 0 {
			rho = float64(d)
			break
		}
	}
	target := math.Log2(float64(len(dists) + 1))
	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < 64; iter++ {
		psum := 1.0 // the cell itself
		for _, d := range dists {
			if float64(d) > rho {
				psum += math.Exp(-(float64(d) - rho) / mid)
			} else {
				psum += 1
			}
		}
		if math.Abs(psum-target) < 1e-5 {
			break
		}
		if psum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	sigma = mid
	if sigma < 1e-12 {
		sigma = 1e-12
	}
	return
}

// fitCurveParams fits the embedding similarity curve 1/(1+a*x^2b) to
// the desired min-dist/spread shape. Falls back to the well-known
// defaults if the optimizer misbehaves.
func fitCurveParams(minDist, spread float64) (float64, float64) {
	const gridN = 300
	xs := make([]float64, gridN)
	ys := make([]float64, gridN)
	for i := range xs {
		xs[i] = 3 * spread * float64(i+1) / gridN
		if xs[i] < minDist {
			ys[i] = 1
		} else {
			ys[i] = math.Exp(-(xs[i] - minDist) / spread)
		}
	}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			a, b := x[0], x[1]
			if a <= 0 || b <= 0 {
				return 1e10
			}
			sum := 0.0
			for i, xi := range xs {
				f := 1 / (1 + a*math.Pow(xi, 2*b))
				diff := f - ys[i]
				sum += diff * diff
			}
			return sum
		},
	}
	result, err := optimize.Minimize(problem, []float64{1, 1}, nil, &optimize.NelderMead{})
	if err != nil || result == nil || math.IsNaN(result.X[0]+result.X[1]) || result.X[0] <= 0 || result.X[1] <= 0 {
		log.Warnf("curve fit failed for min-dist=%g spread=%g, using defaults", minDist, spread)
		return 1.577, 0.8951
	}
	return result.X[0], result.X[1]
}

func (cmd *umapcmd) optimizeLayout(emb [][]float64, heads, tails []int32, weights []float64, a, b float64, epochs int) {
	nedges := len(heads)
	n := len(emb)
	wmax := 0.0
	for _, w := range weights {
		if w > wmax {
			wmax = w
		}
	}
	eps := make([]float64, nedges)
	epsNeg := make([]float64, nedges)
	nextSample := make([]float64, nedges)
	nextNeg := make([]float64, nedges)
	for e, w := range weights {
		if w < wmax/float64(epochs) {
			// Too weak to ever be sampled.
			eps[e] = math.Inf(1)
		} else {
			eps[e] = wmax / w
		}
		epsNeg[e] = eps[e] / float64(cmd.negSamples)
		nextSample[e] = eps[e]
		nextNeg[e] = epsNeg[e]
	}

	clip := func(v float64) float64 {
		if v > 4 {
			return 4
		} else if v < -4 {
			return -4
		}
		return v
	}
	rng := rand.New(rand.NewSource(uint64(cmd.seed)))
	alpha := cmd.learningRate
	for epoch := 1; epoch <= epochs; epoch++ {
		for e := 0; e < nedges; e++ {
			if nextSample[e] > float64(epoch) {
				continue
			}
			yi, yj := emb[heads[e]], emb[tails[e]]
			d2 := 0.0
			for d, v := range yi {
				dv := v - yj[d]
				d2 += dv * dv
			}
			if d2 > 0 {
				gc := (-2 * a * b * math.Pow(d2, b-1)) / (1 + a*math.Pow(d2, b))
				for d := range yi {
					grad := clip(gc * (yi[d] - yj[d]))
					yi[d] += alpha * grad
					yj[d] -= alpha * grad
				}
			}
			nextSample[e] += eps[e]

			nneg := int((float64(epoch) - nextNeg[e]) / epsNeg[e])
			for t := 0; t < nneg; t++ {
				other := int32(rng.Intn(n))
				if other == heads[e] {
					continue
				}
				yo := emb[other]
				d2 := 0.0
				for d, v := range yi {
					dv := v - yo[d]
					d2 += dv * dv
				}
				if d2 > 0 {
					gc := (2 * b) / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
					for d := range yi {
						yi[d] += alpha * clip(gc*(yi[d]-yo[d]))
					}
				} else if other != tails[e] {
					// Coincident non-neighbor, push hard.
					for d := range yi {
						yi[d] += alpha * 4
					}
				}
			}
			nextNeg[e] += float64(nneg) * epsNeg[e]
		}
		alpha = cmd.learningRate * (1 - float64(epoch)/float64(epochs))
	}
}
