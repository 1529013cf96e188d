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
	"os"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type hvgcmd struct {
	top           int
	span          float64
	tableFilename string
}

type hvgTableRow struct {
	Gene     string  `csv:"gene"`
	Mean     float64 `csv:"mean"`
	Variance float64 `csv:"variance"`
	Trend    float64 `csv:"trend"`
	Bio      float64 `csv:"bio"`
	HVG      bool    `csv:"hvg"`
}

func (cmd *hvgcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.top, "top", 2000, "number of genes to flag as highly variable")
	flags.Float64Var(&cmd.span, "span", 0.3, "lowess span for the mean-variance trend, as a `fraction` of genes")
	flags.StringVar(&cmd.tableFilename, "table", "", "also write the per-gene variance table to `file` (csv)")
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

	if cmd.top < 1 {
		err = fmt.Errorf("-top=%d is not a gene count", cmd.top)
		return 2
	}
	if !(cmd.span > 0) || cmd.span > 1 {
		err = fmt.Errorf("-span=%g is outside (0,1]", cmd.span)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern hvg",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         24000000000,
			VCPUs:       2,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"hvg", "-local=true",
			"-top", strconv.Itoa(cmd.top),
			fmt.Sprintf("-span=%g", cmd.span),
			"-i", *inputFilename,
			"-o", "/mnt/output/library.gob",
		}
		if cmd.tableFilename != "" {
			runner.Args = append(runner.Args, "-table", "/mnt/output/hvg.csv")
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/library.gob")
		if cmd.tableFilename != "" {
			fmt.Fprintln(stdout, output+"/hvg.csv")
		}
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	table, err := cmd.modelVariance(lib)
	if err != nil {
		return 1
	}
	if cmd.tableFilename != "" {
		var f *os.File
		f, err = os.OpenFile(cmd.tableFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
		err = gocsv.Marshal(table, f)
		if err != nil {
			f.Close()
			return 1
		}
		err = f.Close()
		if err != nil {
			return 1
		}
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// modelVariance computes each gene's mean and variance of
// log-normalized expression, fits a mean-variance trend, and marks the
// genes with the largest variance above trend as the "hvg" subset.
// Blacklisted genes never qualify.
func (cmd *hvgcmd) modelVariance(lib *cellLibrary) ([]hvgTableRow, error) {
	norm, err := lib.requireNorm()
	if err != nil {
		return nil, err
	}
	ncells := len(lib.cells)
	if ncells < 2 {
		return nil, errors.New("need at least 2 cells to model variance")
	}
	npanel := lib.panel.Len()
	sum := make([]float64, npanel)
	sumsq := make([]float64, npanel)
	for row, cell := range lib.cells {
		divisor := norm.SizeFactors[row] * norm.Pseudocount
		for i, g := range cell.Genes {
			v := math.Log1p(float64(cell.Counts[i]) / divisor)
			sum[g] += v
			sumsq[g] += v * v
		}
	}
	mean := make([]float64, npanel)
	variance := make([]float64, npanel)
	for g := 0; g < npanel; g++ {
		mean[g] = sum[g] / float64(ncells)
		variance[g] = (sumsq[g] - float64(ncells)*mean[g]*mean[g]) / float64(ncells-1)
		if variance[g] < 0 {
			variance[g] = 0
		}
	}

	blacklisted := make([]bool, npanel)
	if bl := lib.subsets["blacklist"]; len(bl) > 0 {
		for _, g := range bl {
			blacklisted[g] = true
		}
		log.Printf("excluding %d blacklisted genes from variable gene selection", len(bl))
	}
	var cand []int32
	for g := 0; g < npanel; g++ {
		if variance[g] > 0 && !blacklisted[g] {
			cand = append(cand, int32(g))
		}
	}
	if len(cand) < 2 {
		return nil, errors.New("fewer than 2 genes have nonzero variance")
	}
	sort.Slice(cand, func(a, b int) bool { return mean[cand[a]] < mean[cand[b]] })
	trend := fitTrend(mean, variance, cand, cmd.span)

	bio := make([]float64, npanel)
	for i, g := range cand {
		bio[g] = variance[g] - trend[i]
	}
	ranked := append([]int32(nil), cand...)
	sort.Slice(ranked, func(a, b int) bool { return bio[ranked[a]] > bio[ranked[b]] })
	var hvgenes []int32
	for _, g := range ranked {
		if len(hvgenes) >= cmd.top || bio[g] <= 0 {
			break
		}
		hvgenes = append(hvgenes, g)
	}
	if len(hvgenes) == 0 {
		return nil, errors.New("no genes have variance above the trend")
	}
	if len(hvgenes) < cmd.top {
		log.Warnf("only %d genes have variance above the trend (asked for %d)", len(hvgenes), cmd.top)
	}
	sort.Slice(hvgenes, func(a, b int) bool { return hvgenes[a] < hvgenes[b] })
	lib.setSubset("hvg", hvgenes)
	log.Printf("marked %d of %d genes as highly variable", len(hvgenes), npanel)

	ishvg := make([]bool, npanel)
	for _, g := range hvgenes {
		ishvg[g] = true
	}
	trendOf := make([]float64, npanel)
	for g := range trendOf {
		trendOf[g] = math.NaN()
	}
	for i, g := range cand {
		trendOf[g] = trend[i]
	}
	table := make([]hvgTableRow, npanel)
	for g := 0; g < npanel; g++ {
		table[g] = hvgTableRow{
			Gene:     lib.panel.Name(geneID(g)),
			Mean:     mean[g],
			Variance: variance[g],
			Trend:    trendOf[g],
			Bio:      bio[g],
			HVG:      ishvg[g],
		}
	}
	return table, nil
}

// fitTrend fits variance ~ mean by tricube-weighted local linear
// regression over the candidate genes, which must be sorted by
// ascending mean. Returns the fitted variance for each candidate.
func fitTrend(mean, variance []float64, cand []int32, span float64) []float64 {
	n := len(cand)
	w := int(span * float64(n))
	if w < 2 {
		w = 2
	}
	if w > n {
		w = n
	}
	x := make([]float64, n)
	y := make([]float64, n)
	for i, g := range cand {
		x[i] = mean[g]
		y[i] = variance[g]
	}
	trend := make([]float64, n)
	weights := make([]float64, w)
	lo := 0
	for i := 0; i < n; i++ {
		// Slide the window to the w nearest candidates by mean.
		for lo+w < n && x[lo+w]-x[i] < x[i]-x[lo] {
			lo++
		}
		dmax := x[lo+w-1] - x[i]
		if d := x[i] - x[lo]; d > dmax {
			dmax = d
		}
		for j := 0; j < w; j++ {
			if dmax <= 0 {
				weights[j] = 1
				continue
			}
			d := math.Abs(x[lo+j]-x[i]) / dmax
			t := 1 - d*d*d
			weights[j] = t * t * t
		}
		alpha, beta := stat.LinearRegression(x[lo:lo+w], y[lo:lo+w], weights, false)
		trend[i] = alpha + beta*x[i]
		if math.IsNaN(trend[i]) {
			// Degenerate window, e.g. all weight on one point.
			sw, swy := 0.0, 0.0
			for j, wt := range weights {
				sw += wt
				swy += wt * y[lo+j]
			}
			trend[i] = swy / sw
		}
	}
	return trend
}
