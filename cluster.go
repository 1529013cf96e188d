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
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

type clustercmd struct {
	resolution float64
	prune      float64
	k          int
	matrixName string
	seed       int64
}

func (cmd *clustercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.Float64Var(&cmd.resolution, "resolution", 1, "louvain resolution parameter")
	flags.Float64Var(&cmd.prune, "prune", 1.0/15, "drop shared-neighbor edges with jaccard weight below `min`")
	flags.IntVar(&cmd.k, "k", 20, "neighbors per cell if the graph needs to be built")
	flags.StringVar(&cmd.matrixName, "matrix", "", "neighbor graph to use (default mnn, falling back to pca)")
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

	if !(cmd.resolution > 0) {
		err = fmt.Errorf("-resolution=%g is not positive", cmd.resolution)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern cluster",
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
		runner.Args = []string{"cluster", "-local=true",
			fmt.Sprintf("-resolution=%g", cmd.resolution),
			fmt.Sprintf("-prune=%g", cmd.prune),
			"-k", strconv.Itoa(cmd.k),
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
	err = cmd.cluster(lib)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// cluster runs louvain community detection on the shared-nearest-
// neighbor graph and stores the result as the "cluster" annotation,
// numbering clusters 1..N by decreasing size.
func (cmd *clustercmd) cluster(lib *cellLibrary) error {
	knn, err := ensureGraph(lib, cmd.matrixName, cmd.k)
	if err != nil {
		return err
	}
	n := len(knn.Neighbors)

	// Self-inclusive sorted neighborhoods for jaccard weights.
	hoods := make([][]int32, n)
	for i, nbrs := range knn.Neighbors {
		hood := make([]int32, 0, len(nbrs)+1)
		hood = append(hood, int32(i))
		hood = append(hood, nbrs...)
		sort.Slice(hood, func(a, b int) bool { return hood[a] < hood[b] })
		hoods[i] = hood
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	nedges := 0
	seen := map[int64]bool{}
	for i, nbrs := range knn.Neighbors {
		for _, j := range nbrs {
			lo, hi := int32(i), j
			if lo > hi {
				lo, hi = hi, lo
			}
			key := int64(lo)<<32 | int64(hi)
			if lo == hi || seen[key] {
				continue
			}
			seen[key] = true
			w := jaccard(hoods[lo], hoods[hi])
			if w < cmd.prune {
				continue
			}
			g.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(lo), T: simple.Node(hi), W: w})
			nedges++
		}
	}
	log.Printf("snn graph has %d edges over %d cells (pruned below %g)", nedges, n, cmd.prune)
	if nedges == 0 {
		log.Warn("snn graph has no edges, every cell becomes its own cluster")
	}

	src := rand.NewSource(uint64(cmd.seed))
	communities := community.Modularize(g, cmd.resolution, src).Communities()
	minID := make([]int64, len(communities))
	for ci, comm := range communities {
		minID[ci] = comm[0].ID()
		for _, node := range comm[1:] {
			if node.ID() < minID[ci] {
				minID[ci] = node.ID()
			}
		}
	}
	order := make([]int, len(communities))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := communities[order[a]], communities[order[b]]
		if len(ca) != len(cb) {
			return len(ca) > len(cb)
		}
		return minID[order[a]] < minID[order[b]]
	})
	labels := make([]string, n)
	for rank, ci := range order {
		name := strconv.Itoa(rank + 1)
		for _, node := range communities[ci] {
			labels[int(node.ID())] = name
		}
	}
	lib.setAnnotation("cluster", labels)
	log.Printf("louvain found %d clusters (resolution %g), largest has %d cells", len(communities), cmd.resolution, len(communities[order[0]]))
	warnBatchEnrichment(lib, labels)
	return nil
}

// warnBatchEnrichment flags clusters whose cells come
// disproportionately from one batch, a hint that the embedding needs
// batch correction.
func warnBatchEnrichment(lib *cellLibrary, labels []string) {
	names, byBatch := lib.batches()
	if len(names) < 2 {
		return
	}
	n := len(labels)
	inBatch := map[string][]bool{}
	for _, name := range names {
		y := make([]bool, n)
		for _, row := range byBatch[name] {
			y[row] = true
		}
		inBatch[name] = y
	}
	byCluster := map[string][]int{}
	var order []string
	for row, label := range labels {
		if _, ok := byCluster[label]; !ok {
			order = append(order, label)
		}
		byCluster[label] = append(byCluster[label], row)
	}
	sortClusterLabels(order)
	for _, label := range order {
		rows := byCluster[label]
		x := make([]bool, n)
		for _, row := range rows {
			x[row] = true
		}
		for _, name := range names {
			y := inBatch[name]
			inter := 0
			for _, row := range rows {
				if y[row] {
					inter++
				}
			}
			share := float64(inter) / float64(len(rows))
			overall := float64(len(byBatch[name])) / float64(n)
			if p := pvalue(x, y); p < 0.001 && share > 1.5*overall {
				log.Warnf("cluster %q is enriched for batch %q (%.0f%% of cluster vs %.0f%% overall, p=%.2g), consider integrate", label, name, 100*share, 100*overall, p)
			}
		}
	}
}

// jaccard computes intersection over union for two ascending int32
// slices.
func jaccard(a, b []int32) float64 {
	inter := 0
	for x, y := 0, 0; x < len(a) && y < len(b); {
		switch {
		case a[x] == b[y]:
			inter++
			x++
			y++
		case a[x] < b[y]:
			x++
		default:
			y++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
