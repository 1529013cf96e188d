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
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/exascience/pargo/parallel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/vptree"
)

type integrator struct {
	k          int
	sigma      float64
	components int
	order      string
}

func (cmd *integrator) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.IntVar(&cmd.k, "k", 20, "neighbors per cell when pairing batches")
	flags.Float64Var(&cmd.sigma, "sigma", 0, "gaussian kernel `bandwidth` (0 = 0.1 x batch scale)")
	flags.IntVar(&cmd.components, "components", 50, "number of principal components")
	flags.StringVar(&cmd.order, "order", "", "merge batches in this `order` (comma separated; default largest first)")
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
			Name:        "lantern integrate",
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
		runner.Args = []string{"integrate", "-local=true",
			"-k", strconv.Itoa(cmd.k),
			fmt.Sprintf("-sigma=%g", cmd.sigma),
			"-components", strconv.Itoa(cmd.components),
			"-order", cmd.order,
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
	err = cmd.integrate(lib)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// integrate computes a joint PCA of cosine-normalized expression and
// corrects batch effects by mutual-nearest-neighbor matching, storing
// the corrected coordinates as the "mnn" matrix.
func (cmd *integrator) integrate(lib *cellLibrary) error {
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
	mtx, err := lib.lognormCSR(genes, true)
	if err != nil {
		return err
	}
	log.Print("fitting joint pca")
	scores, err := pcaScores(mtx, k)
	if err != nil {
		return err
	}
	corrected := matrixRows64(scores)

	batchNames, batchRows := lib.batches()
	if len(batchNames) < 2 {
		log.Warn("library has only one batch, storing uncorrected pca as mnn")
		lib.setMatrix("mnn", pcColumns(k), matrixRows(scores))
		return nil
	}
	order, err := cmd.mergeOrder(batchNames, batchRows)
	if err != nil {
		return err
	}
	log.Printf("merging %d batches: %s", len(order), strings.Join(order, ", "))

	ref := append([]int(nil), batchRows[order[0]]...)
	for _, batch := range order[1:] {
		qrows := batchRows[batch]
		err = cmd.mergeBatch(corrected, ref, qrows, batch)
		if err != nil {
			return err
		}
		ref = append(ref, qrows...)
	}

	rows := make([][]float32, len(corrected))
	for i, vals := range corrected {
		row := make([]float32, len(vals))
		for j, v := range vals {
			row[j] = float32(v)
		}
		rows[i] = row
	}
	lib.setMatrix("mnn", pcColumns(k), rows)
	return nil
}

func (cmd *integrator) mergeOrder(batchNames []string, batchRows map[string][]int) ([]string, error) {
	if cmd.order == "" {
		order := append([]string(nil), batchNames...)
		sort.SliceStable(order, func(a, b int) bool {
			return len(batchRows[order[a]]) > len(batchRows[order[b]])
		})
		return order, nil
	}
	order := strings.Split(cmd.order, ",")
	seen := map[string]bool{}
	for _, name := range order {
		if _, ok := batchRows[name]; !ok {
			return nil, fmt.Errorf("-order names batch %q, library has batches %s", name, strings.Join(batchNames, ", "))
		}
		if seen[name] {
			return nil, fmt.Errorf("-order names batch %q twice", name)
		}
		seen[name] = true
	}
	if len(order) != len(batchNames) {
		return nil, fmt.Errorf("-order names %d of %d batches", len(order), len(batchNames))
	}
	return order, nil
}

// mergeBatch corrects the batch's rows toward the reference set
// in-place: mutual nearest neighbor pairs define per-pair correction
// vectors, and each cell applies a Gaussian-kernel weighted average of
// them.
func (cmd *integrator) mergeBatch(corrected [][]float64, ref, qrows []int, batch string) error {
	kq := cmd.k
	if max := len(ref); kq > max {
		kq = max
	}
	if max := len(qrows); kq > max {
		kq = max
	}
	if kq < cmd.k {
		log.Warnf("batch %q: clamping -k to %d, the smaller side of the merge", batch, kq)
	}

	refTree, err := buildTree(corrected, ref)
	if err != nil {
		return err
	}
	queryTree, err := buildTree(corrected, qrows)
	if err != nil {
		return err
	}

	// ref neighbors of each query cell, then query neighbors of
	// each ref cell; a pair is kept if it appears in both.
	refOf := make([][]int32, len(qrows))
	parallel.Range(0, len(qrows), 0, func(low, high int) {
		for i := low; i < high; i++ {
			refOf[i], _ = nearestRows(refTree, corrected[qrows[i]], kq)
		}
	})
	queryOf := make([][]int32, len(ref))
	parallel.Range(0, len(ref), 0, func(low, high int) {
		for i := low; i < high; i++ {
			queryOf[i], _ = nearestRows(queryTree, corrected[ref[i]], kq)
		}
	})

	edge := func(r, q int32) int64 { return int64(r)<<32 | int64(q) }
	rq := make(map[int64]struct{}, len(qrows)*kq)
	for qi, nbrs := range refOf {
		for _, r := range nbrs {
			rq[edge(r, int32(qrows[qi]))] = struct{}{}
		}
	}
	type mnnPair struct{ ref, query int32 }
	var pairs []mnnPair
	for ri, nbrs := range queryOf {
		for _, q := range nbrs {
			if _, ok := rq[edge(int32(ref[ri]), q)]; ok {
				pairs = append(pairs, mnnPair{int32(ref[ri]), q})
			}
		}
	}
	if len(pairs) == 0 {
		log.Warnf("batch %q: no mutual nearest neighbors, leaving batch uncorrected", batch)
		return nil
	}

	dims := len(corrected[qrows[0]])
	centroid := make([]float64, dims)
	for _, row := range qrows {
		for d, v := range corrected[row] {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float64(len(qrows))
	}
	batchVar := 0.0
	for _, row := range qrows {
		for d, v := range corrected[row] {
			dv := v - centroid[d]
			batchVar += dv * dv
		}
	}
	batchVar /= float64(len(qrows))
	sigma := cmd.sigma
	if sigma <= 0 {
		sigma = 0.1 * math.Sqrt(batchVar)
	}
	if sigma <= 0 {
		return fmt.Errorf("batch %q: cannot choose a kernel bandwidth for a zero-variance batch", batch)
	}
	log.Printf("batch %q: %d mnn pairs (k=%d, sigma=%.3g)", batch, len(pairs), kq, sigma)

	pairVec := make([][]float64, len(pairs))
	pairPos := make([][]float64, len(pairs))
	meanVec := make([]float64, dims)
	for pi, pair := range pairs {
		vec := make([]float64, dims)
		for d := range vec {
			vec[d] = corrected[pair.ref][d] - corrected[pair.query][d]
			meanVec[d] += vec[d]
		}
		pairVec[pi] = vec
		pairPos[pi] = corrected[pair.query]
	}
	for d := range meanVec {
		meanVec[d] /= float64(len(pairs))
	}

	shift := make([][]float64, len(qrows))
	parallel.Range(0, len(qrows), 0, func(low, high int) {
		for i := low; i < high; i++ {
			x := corrected[qrows[i]]
			out := make([]float64, dims)
			sumw := 0.0
			for pi, pos := range pairPos {
				d2 := 0.0
				for d, v := range pos {
					dv := x[d] - v
					d2 += dv * dv
				}
				w := math.Exp(-d2 / (2 * sigma * sigma))
				if w == 0 {
					continue
				}
				sumw += w
				for d, v := range pairVec[pi] {
					out[d] += w * v
				}
			}
			if sumw > 0 {
				for d := range out {
					out[d] /= sumw
				}
			} else {
				copy(out, meanVec)
			}
			shift[i] = out
		}
	})

	corrVar := 0.0
	for i, row := range qrows {
		for d, v := range shift[i] {
			corrected[row][d] += v
			corrVar += v * v
		}
	}
	corrVar /= float64(len(qrows))
	log.Printf("batch %q: lost variance proxy %.4f", batch, corrVar/batchVar)
	return nil
}

// cellPoint is a vptree element carrying its cell row index.
type cellPoint struct {
	row int32
	pos []float64
}

func (p cellPoint) Distance(c vptree.Comparable) float64 {
	q := c.(cellPoint)
	sum := 0.0
	for i, v := range p.pos {
		d := v - q.pos[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// buildTree indexes the given matrix rows for nearest neighbor
// queries.
func buildTree(coords [][]float64, rows []int) (*vptree.Tree, error) {
	points := make([]vptree.Comparable, len(rows))
	for i, row := range rows {
		points[i] = cellPoint{row: int32(row), pos: coords[row]}
	}
	return vptree.New(points, 0, nil)
}

// nearestRows returns the row indexes and distances of the k points
// nearest to pos, in ascending distance order.
func nearestRows(tree *vptree.Tree, pos []float64, k int) ([]int32, []float32) {
	keep := vptree.NewNKeeper(k)
	tree.NearestSet(keep, cellPoint{row: -1, pos: pos})
	type hit struct {
		row  int32
		dist float64
	}
	hits := make([]hit, 0, k)
	for _, cd := range keep.Heap {
		if cd.Comparable == nil {
			continue
		}
		hits = append(hits, hit{cd.Comparable.(cellPoint).row, cd.Dist})
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	rows := make([]int32, len(hits))
	dists := make([]float32, len(hits))
	for i, h := range hits {
		rows[i] = h.row
		dists[i] = float32(h.dist)
	}
	return rows, dists
}

func matrixRows64(m mat.Matrix) [][]float64 {
	rows, cols := m.Dims()
	out := make([][]float64, rows)
	for i := 0; i < rows; i++ {
		row := make([]float64, cols)
		for j := 0; j < cols; j++ {
			row[j] = m.At(i, j)
		}
		out[i] = row
	}
	return out
}
