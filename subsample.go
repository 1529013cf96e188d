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
	"math/rand"
	"net/http"
	_ "net/http/pprof"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type subsampler struct {
	perBatch float64
	seed     int64
}

func (cmd *subsampler) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.perBatch, "per-batch", 0, "`number` (or proportion, if <=1) of cells to keep from each batch")
	flags.Int64Var(&cmd.seed, "random-seed", 0, "PRNG seed")
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

	if cmd.perBatch <= 0 {
		err = fmt.Errorf("-per-batch=%g is not a cell count or proportion", cmd.perBatch)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern subsample",
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
		runner.Args = []string{"subsample", "-local=true",
			fmt.Sprintf("-per-batch=%g", cmd.perBatch),
			fmt.Sprintf("-random-seed=%d", cmd.seed),
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
	cmd.subsample(lib)
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// subsample keeps a random subset of each batch, dropping the same
// rows from size factors, annotations, and matrices.
func (cmd *subsampler) subsample(lib *cellLibrary) {
	randsrc := rand.NewSource(cmd.seed)
	keep := make([]bool, len(lib.cells))
	names, byBatch := lib.batches()
	for _, name := range names {
		rows := append([]int(nil), byBatch[name]...)
		wantlen := int(cmd.perBatch)
		if cmd.perBatch <= 1 {
			wantlen = int(cmd.perBatch * float64(len(rows)))
		}
		for n := len(rows); n > wantlen; {
			i := int(randsrc.Int63()) % n
			n--
			rows[i] = rows[n]
			rows = rows[:n]
		}
		if len(rows) == 0 {
			log.Warnf("batch %q: no cells left after subsampling", name)
		}
		for _, row := range rows {
			keep[row] = true
		}
		log.Printf("batch %q: keeping %d of %d cells", name, len(rows), len(byBatch[name]))
	}
	lib.subsetCells(keep)
}
