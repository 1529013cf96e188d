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
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/james-bowman/nlp"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type pcacmd struct {
	components  int
	npyFilename string
}

func (cmd *pcacmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.components, "components", 50, "number of principal components")
	flags.StringVar(&cmd.npyFilename, "output-npy", "", "also write the scores to `file` in numpy format")
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

	if cmd.components < 1 {
		err = fmt.Errorf("-components=%d is not a component count", cmd.components)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern pca",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"pca", "-local=true",
			"-components", strconv.Itoa(cmd.components),
			"-i", *inputFilename,
			"-o", "/mnt/output/library.gob",
		}
		if cmd.npyFilename != "" {
			runner.Args = append(runner.Args, "-output-npy", "/mnt/output/pca.npy")
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/library.gob")
		if cmd.npyFilename != "" {
			fmt.Fprintln(stdout, output+"/pca.npy")
		}
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}

	genes := lib.subsets["hvg"]
	if len(genes) == 0 {
		log.Warnf("library has no hvg subset, using all %d genes (run hvg first to select variable genes)", lib.panel.Len())
		genes = allGenes(lib.panel.Len())
	}
	k := cmd.components
	if max := len(lib.cells); k > max {
		log.Warnf("clamping -components to %d, the number of cells", max)
		k = max
	}
	if max := len(genes); k > max {
		log.Warnf("clamping -components to %d, the number of genes", max)
		k = max
	}

	log.Printf("building matrix: %d cells, %d genes", len(lib.cells), len(genes))
	mtx, err := lib.lognormCSR(genes, false)
	if err != nil {
		return 1
	}
	log.Print("fitting")
	scores, err := pcaScores(mtx, k)
	if err != nil {
		return 1
	}
	lib.setMatrix("pca", pcColumns(k), matrixRows(scores))

	if cmd.npyFilename != "" {
		err = writeNumpyMatrix(cmd.npyFilename, scores)
		if err != nil {
			return 1
		}
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	log.Print("done")
	return 0
}

// pcaScores fits a k-component PCA to the cells x genes matrix and
// returns the per-cell component scores (cells x k).
func pcaScores(mtx mat.Matrix, k int) (mat.Matrix, error) {
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx.T())
	out, err := transformer.Transform(mtx.T())
	if err != nil {
		return nil, err
	}
	return out.T(), nil
}

func pcColumns(k int) []string {
	names := make([]string, k)
	for i := range names {
		names[i] = fmt.Sprintf("PC%d", i+1)
	}
	return names
}

func matrixRows(m mat.Matrix) [][]float32 {
	rows, cols := m.Dims()
	out := make([][]float32, rows)
	for i := 0; i < rows; i++ {
		row := make([]float32, cols)
		for j := 0; j < cols; j++ {
			row[j] = float32(m.At(i, j))
		}
		out[i] = row
	}
	return out
}

// writeNumpyMatrix saves a matrix to a .npy file as float64.
func writeNumpyMatrix(fnm string, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	output, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		output.Close()
		return err
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = npw.WriteFloat64(out)
	if err != nil {
		output.Close()
		return err
	}
	err = bufw.Flush()
	if err != nil {
		output.Close()
		return err
	}
	return output.Close()
}
