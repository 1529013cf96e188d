// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

type dumpcmd struct {
	showCells int
}

func (cmd *dumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *dumpcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.IntVar(&cmd.showCells, "cells", 0, "also show the first `N` cell records")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			return errors.New("cannot specify output file in container mode: not implemented")
		}
		runner := arvadosContainerRunner{
			Name:        "lantern dump",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         24000000000,
			VCPUs:       2,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"dump", "-local=true",
			"-cells", strconv.Itoa(cmd.showCells),
			"-i", *inputFilename,
			"-o", "/mnt/output/dump.txt",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output+"/dump.txt")
		return nil
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return err
	}
	var w io.WriteCloser
	if *outputFilename == "-" {
		w = nopCloser{stdout}
	} else {
		w, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return err
		}
	}
	bufw := bufio.NewWriter(w)
	err = cmd.dump(lib, bufw)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return w.Close()
}

// dump writes a human-readable summary of everything in the library.
func (cmd *dumpcmd) dump(lib *cellLibrary, out io.Writer) error {
	hash := lib.panel.Hash()
	fmt.Fprintf(out, "panel: %d genes, hash %x\n", lib.panel.Len(), hash[:8])

	names, byBatch := lib.batches()
	fmt.Fprintf(out, "cells: %d in %d batches\n", len(lib.cells), len(names))
	for _, name := range names {
		fmt.Fprintf(out, "\tbatch %q: %d cells\n", name, len(byBatch[name]))
	}

	if lib.norm == nil {
		fmt.Fprint(out, "norm: none (run normalize)\n")
	} else {
		min, _ := stats.Min(lib.norm.SizeFactors)
		mean, _ := stats.Mean(lib.norm.SizeFactors)
		max, _ := stats.Max(lib.norm.SizeFactors)
		fmt.Fprintf(out, "norm: method %s, pseudocount %g, size factors min/mean/max %.4g/%.4g/%.4g\n", lib.norm.Method, lib.norm.Pseudocount, min, mean, max)
	}

	var subsetNames []string
	for name := range lib.subsets {
		subsetNames = append(subsetNames, name)
	}
	sort.Strings(subsetNames)
	for _, name := range subsetNames {
		fmt.Fprintf(out, "subset %q: %d genes\n", name, len(lib.subsets[name]))
	}

	var annoNames []string
	for name := range lib.annotations {
		annoNames = append(annoNames, name)
	}
	sort.Strings(annoNames)
	for _, name := range annoNames {
		distinct := map[string]bool{}
		for _, v := range lib.annotations[name] {
			distinct[v] = true
		}
		fmt.Fprintf(out, "annotation %q: %d distinct values\n", name, len(distinct))
	}

	var mtxNames []string
	for name := range lib.matrices {
		mtxNames = append(mtxNames, name)
	}
	sort.Strings(mtxNames)
	for _, name := range mtxNames {
		m := lib.matrices[name]
		fmt.Fprintf(out, "matrix %q: %d cells x %d columns\n", name, len(m.Rows), len(m.Columns))
	}

	var graphNames []string
	for name := range lib.graphs {
		graphNames = append(graphNames, name)
	}
	sort.Strings(graphNames)
	for _, name := range graphNames {
		g := lib.graphs[name]
		fmt.Fprintf(out, "graph on %q: k=%d, %d cells\n", g.Name, g.K, len(g.Neighbors))
	}

	if cmd.showCells > 0 {
		n := cmd.showCells
		if n > len(lib.cells) {
			n = len(lib.cells)
		}
		for row := 0; row < n; row++ {
			cell := &lib.cells[row]
			total := 0.0
			for _, c := range cell.Counts {
				total += float64(c)
			}
			fmt.Fprintf(out, "cell %d: barcode %q, batch %q, %d genes, %g counts\n", row, cell.Barcode, cell.Batch, len(cell.Genes), total)
		}
	}
	return nil
}
