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

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

type normalizer struct {
	method      string
	pseudocount float64
}

func (cmd *normalizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.method, "method", "libsize", "size factor `method`: libsize or rle")
	flags.Float64Var(&cmd.pseudocount, "pseudocount", 1, "pseudocount `P` for log1p normalization")
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

	if cmd.method != "libsize" && cmd.method != "rle" {
		err = fmt.Errorf("unknown -method %q (want libsize or rle)", cmd.method)
		return 2
	}
	if !(cmd.pseudocount > 0) {
		err = fmt.Errorf("-pseudocount must be positive")
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern normalize",
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
		runner.Args = []string{"normalize", "-local=true",
			"-method", cmd.method,
			fmt.Sprintf("-pseudocount=%g", cmd.pseudocount),
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
	err = cmd.normalize(lib)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *normalizer) normalize(lib *cellLibrary) error {
	totals := lib.countsPerCell()
	for i, t := range totals {
		if t <= 0 {
			return fmt.Errorf("cell %q has zero counts (run filter first)", lib.cells[i].Barcode)
		}
	}

	var factors []float64
	var err error
	switch cmd.method {
	case "libsize":
		factors = append([]float64(nil), totals...)
	case "rle":
		factors, err = rleFactors(lib)
		if err != nil {
			return err
		}
	}

	// Center factors to mean 1 within each batch, then rescale so
	// every batch's coverage matches the least-covered one: cells
	// from deeper batches get proportionally larger factors.
	batchNames, batchRows := lib.batches()
	meanLib := map[string]float64{}
	minMean := 0.0
	for _, name := range batchNames {
		rows := batchRows[name]
		sumf, sumt := 0.0, 0.0
		for _, i := range rows {
			sumf += factors[i]
			sumt += totals[i]
		}
		scale := float64(len(rows)) / sumf
		for _, i := range rows {
			factors[i] *= scale
		}
		meanLib[name] = sumt / float64(len(rows))
		if minMean == 0 || meanLib[name] < minMean {
			minMean = meanLib[name]
		}
	}
	if len(batchNames) > 1 {
		for _, name := range batchNames {
			scale := meanLib[name] / minMean
			for _, i := range batchRows[name] {
				factors[i] *= scale
			}
			log.Printf("batch %q: mean library size %.1f, rescaling size factors by %.3f", name, meanLib[name], scale)
		}
	}

	for i, f := range factors {
		if !(f > 0) {
			return fmt.Errorf("cell %q got non-positive size factor %g", lib.cells[i].Barcode, f)
		}
	}
	log.Printf("computed %s size factors for %d cells in %d batches", cmd.method, len(factors), len(batchNames))
	lib.norm = &NormParams{Method: cmd.method, Pseudocount: cmd.pseudocount, SizeFactors: factors}
	return nil
}

// rleFactors computes median-of-ratios size factors. The reference is
// the per-gene geometric mean across cells, so only genes detected in
// every cell contribute.
func rleFactors(lib *cellLibrary) ([]float64, error) {
	ncells := len(lib.cells)
	detected := make([]int, lib.panel.Len())
	for _, cell := range lib.cells {
		for _, g := range cell.Genes {
			detected[g]++
		}
	}
	usable := make([]bool, lib.panel.Len())
	nUsable := 0
	for g, n := range detected {
		if n == ncells {
			usable[g] = true
			nUsable++
		}
	}
	if nUsable == 0 {
		return nil, errors.New("rle: no genes are detected in every cell (try -method libsize)")
	}
	log.Printf("rle: using %d genes detected in all %d cells", nUsable, ncells)

	sumLog := make([]float64, lib.panel.Len())
	for _, cell := range lib.cells {
		for i, g := range cell.Genes {
			if usable[g] {
				sumLog[g] += math.Log(float64(cell.Counts[i]))
			}
		}
	}
	logRef := make([]float64, lib.panel.Len())
	for g := range logRef {
		if usable[g] {
			logRef[g] = sumLog[g] / float64(ncells)
		}
	}

	factors := make([]float64, ncells)
	ratios := make([]float64, 0, nUsable)
	for i, cell := range lib.cells {
		ratios = ratios[:0]
		for j, g := range cell.Genes {
			if usable[g] {
				ratios = append(ratios, math.Exp(math.Log(float64(cell.Counts[j]))-logRef[g]))
			}
		}
		m, err := stats.Median(ratios)
		if err != nil {
			return nil, fmt.Errorf("cell %q: %s", cell.Barcode, err)
		}
		factors[i] = m
	}
	return factors, nil
}
