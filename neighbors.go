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
	"net/http"
	_ "net/http/pprof"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/exascience/pargo/parallel"
	log "github.com/sirupsen/logrus"
)

type neighborscmd struct {
	k          int
	matrixName string
}

func (cmd *neighborscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.k, "k", 20, "neighbors per cell")
	flags.StringVar(&cmd.matrixName, "matrix", "", "matrix to search (default mnn, falling back to pca)")
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

	if cmd.k < 1 {
		err = fmt.Errorf("-k=%d is not a neighbor count", cmd.k)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern neighbors",
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
		runner.Args = []string{"neighbors", "-local=true",
			"-k", strconv.Itoa(cmd.k),
			"-matrix", cmd.matrixName,
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
	_, err = buildNeighborGraph(lib, cmd.matrixName, cmd.k)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// pickEmbedding returns the named matrix, or mnn falling back to pca
// when no name is given.
func pickEmbedding(lib *cellLibrary, name string) (*CellMatrix, error) {
	if name != "" {
		return lib.requireMatrix(name, "pca or integrate")
	}
	if m, ok := lib.matrices["mnn"]; ok {
		return m, nil
	}
	if m, ok := lib.matrices["pca"]; ok {
		return m, nil
	}
	return nil, errors.New(`library has no "mnn" or "pca" matrix (run pca or integrate first)`)
}

// buildNeighborGraph computes the exact k-nearest-neighbor graph over
// the chosen matrix and stores it in the library.
func buildNeighborGraph(lib *cellLibrary, matrixName string, k int) (*NeighborGraph, error) {
	m, err := pickEmbedding(lib, matrixName)
	if err != nil {
		return nil, err
	}
	n := len(m.Rows)
	if k > n-1 {
		log.Warnf("clamping -k to %d, the number of other cells", n-1)
		k = n - 1
	}
	if k < 1 {
		return nil, errors.New("not enough cells to build a neighbor graph")
	}
	coords := make([][]float64, n)
	for i, row := range m.Rows {
		vals := make([]float64, len(row))
		for j, v := range row {
			vals[j] = float64(v)
		}
		coords[i] = vals
	}
	rows := make([]int, n)
	for i := range rows {
		rows[i] = i
	}
	tree, err := buildTree(coords, rows)
	if err != nil {
		return nil, err
	}
	log.Printf("searching %d neighbors for %d cells in %q (%d dims)", k, n, m.Name, len(coords[0]))
	graph := &NeighborGraph{
		Name:      m.Name,
		K:         k,
		Neighbors: make([][]int32, n),
		Distances: make([][]float32, n),
	}
	parallel.Range(0, n, 0, func(low, high int) {
		for i := low; i < high; i++ {
			nbrs, dists := nearestRows(tree, coords[i], k+1)
			for x, row := range nbrs {
				if int(row) == i {
					nbrs = append(nbrs[:x], nbrs[x+1:]...)
					dists = append(dists[:x], dists[x+1:]...)
					break
				}
			}
			if len(nbrs) > k {
				nbrs, dists = nbrs[:k], dists[:k]
			}
			graph.Neighbors[i] = nbrs
			graph.Distances[i] = dists
		}
	})
	lib.setGraph(graph)
	return graph, nil
}

// ensureGraph returns a stored neighbor graph with at least k
// neighbors per cell, computing and storing one when missing. With no
// matrixName preference, any stored graph wins over a rebuild.
func ensureGraph(lib *cellLibrary, matrixName string, k int) (*NeighborGraph, error) {
	var g *NeighborGraph
	if matrixName != "" {
		g = lib.graphs[matrixName]
	} else if len(lib.graphs) > 0 {
		for _, name := range []string{"mnn", "pca"} {
			if lib.graphs[name] != nil {
				g = lib.graphs[name]
				break
			}
		}
		if g == nil {
			for _, have := range lib.graphs {
				g = have
				break
			}
		}
	}
	if g != nil && g.K >= k {
		return g, nil
	}
	if g != nil {
		log.Warnf("stored neighbor graph has k=%d, rebuilding with k=%d", g.K, k)
	} else {
		log.Printf("no stored neighbor graph, computing k=%d neighbors", k)
	}
	return buildNeighborGraph(lib, matrixName, k)
}
