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
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sort"
	"strconv"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/exascience/pargo/parallel"
	"github.com/gocarina/gocsv"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

type markerscmd struct {
	clusterName string
	top         int
	glm         bool
}

type markerRow struct {
	Cluster string  `csv:"cluster"`
	Gene    string  `csv:"gene"`
	Log2FC  float64 `csv:"log2fc"`
	PctIn   float64 `csv:"pct_in"`
	PctOut  float64 `csv:"pct_out"`
	TP      float64 `csv:"p_ttest"`
	TFDR    float64 `csv:"fdr_ttest"`
	UP      float64 `csv:"p_wilcoxon"`
	UFDR    float64 `csv:"fdr_wilcoxon"`
}

type markerRowGLM struct {
	markerRow
	GLMP   float64 `csv:"p_glm"`
	GLMFDR float64 `csv:"fdr_glm"`
}

// geneEntry is one cell's log-normalized expression of one gene.
type geneEntry struct {
	row int32
	v   float64
}

func (cmd *markerscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file` (csv)")
	flags.StringVar(&cmd.clusterName, "cluster", "cluster", "annotation `column` holding the cluster labels")
	flags.IntVar(&cmd.top, "top", 0, "keep only the `N` best-ranked genes per cluster (0 for all)")
	flags.BoolVar(&cmd.glm, "glm", false, "also fit a logistic regression of cluster membership on expression, adjusting for batch")
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

	if cmd.top < 0 {
		err = fmt.Errorf("-top=%d is not a gene count", cmd.top)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern markers",
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
		runner.Args = []string{"markers", "-local=true",
			"-cluster", cmd.clusterName,
			"-top", strconv.Itoa(cmd.top),
			fmt.Sprintf("-glm=%v", cmd.glm),
			"-i", *inputFilename,
			"-o", "/mnt/output/markers.csv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/markers.csv")
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	rows, err := cmd.findMarkers(lib)
	if err != nil {
		return 1
	}
	var w io.WriteCloser
	if *outputFilename == "-" {
		w = nopCloser{stdout}
	} else {
		w, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
	}
	bufw := bufio.NewWriter(w)
	if cmd.glm {
		err = gocsv.Marshal(rows, bufw)
	} else {
		base := make([]markerRow, len(rows))
		for i, row := range rows {
			base[i] = row.markerRow
		}
		err = gocsv.Marshal(base, bufw)
	}
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = w.Close()
	if err != nil {
		return 1
	}
	return 0
}

// findMarkers tests every gene for differential expression in each
// cluster against all other cells: Welch's t-test and the Wilcoxon
// rank-sum test (normal approximation with tie correction) on
// log-normalized values, with Benjamini-Hochberg FDR within each
// cluster.
func (cmd *markerscmd) findMarkers(lib *cellLibrary) ([]markerRowGLM, error) {
	clusterOf, err := lib.requireAnnotation(cmd.clusterName, "cluster")
	if err != nil {
		return nil, err
	}
	norm, err := lib.requireNorm()
	if err != nil {
		return nil, err
	}
	ncells := len(lib.cells)
	npanel := lib.panel.Len()

	var clusters []string
	seen := map[string]bool{}
	for _, label := range clusterOf {
		if !seen[label] {
			seen[label] = true
			clusters = append(clusters, label)
		}
	}
	sortClusterLabels(clusters)

	// One sorted column of nonzero log-normalized values per gene.
	// Sorting once here pays for the rank walks in every cluster.
	entries := make([][]geneEntry, npanel)
	for row := range lib.cells {
		cell := &lib.cells[row]
		divisor := norm.SizeFactors[row] * norm.Pseudocount
		for i, g := range cell.Genes {
			entries[g] = append(entries[g], geneEntry{row: int32(row), v: math.Log1p(float64(cell.Counts[i]) / divisor)})
		}
	}
	sumAll := make([]float64, npanel)
	sumsqAll := make([]float64, npanel)
	parallel.Range(0, npanel, 0, func(low, high int) {
		for g := low; g < high; g++ {
			ent := entries[g]
			sort.Slice(ent, func(a, b int) bool { return ent[a].v < ent[b].v })
			for _, e := range ent {
				sumAll[g] += e.v
				sumsqAll[g] += e.v * e.v
			}
		}
	})

	var dummies [][]statmodel.Dtype
	var dummyNames []string
	if cmd.glm {
		names, byBatch := lib.batches()
		// The first batch is the baseline.
		for i, name := range names[1:] {
			col := make([]statmodel.Dtype, ncells)
			for _, r := range byBatch[name] {
				col[r] = 1
			}
			dummies = append(dummies, col)
			dummyNames = append(dummyNames, "batch"+strconv.Itoa(i+1))
		}
	}

	log.Printf("testing %d genes in %d clusters across %d cells", npanel, len(clusters), ncells)
	results := make([][]markerRowGLM, len(clusters))
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	for ci, label := range clusters {
		ci, label := ci, label
		throttle.Go(func() error {
			results[ci] = cmd.clusterMarkers(lib, label, clusterOf, entries, sumAll, sumsqAll, dummies, dummyNames)
			return nil
		})
	}
	err = throttle.Wait()
	if err != nil {
		return nil, err
	}
	var out []markerRowGLM
	for _, rows := range results {
		out = append(out, rows...)
	}
	if len(out) == 0 {
		return nil, errors.New("no cluster has enough cells to test")
	}
	return out, nil
}

func (cmd *markerscmd) clusterMarkers(lib *cellLibrary, label string, clusterOf []string, entries [][]geneEntry, sumAll, sumsqAll []float64, dummies [][]statmodel.Dtype, dummyNames []string) []markerRowGLM {
	ncells := len(lib.cells)
	npanel := lib.panel.Len()
	inClust := make([]bool, ncells)
	nIn := 0
	for row, l := range clusterOf {
		if l == label {
			inClust[row] = true
			nIn++
		}
	}
	nOut := ncells - nIn
	if nIn < 2 || nOut < 2 {
		log.Warnf("cluster %q has %d of %d cells, skipping", label, nIn, ncells)
		return nil
	}
	nInF, nOutF, nF := float64(nIn), float64(nOut), float64(ncells)

	var glmTest func([]float64) float64
	var exprBuf []float64
	if cmd.glm {
		glmTest = glmPvalueFunc(inClust, dummies, dummyNames)
		exprBuf = make([]float64, ncells)
	}

	rows := make([]markerRowGLM, npanel)
	pT := make([]float64, npanel)
	pU := make([]float64, npanel)
	pG := make([]float64, npanel)
	for g := 0; g < npanel; g++ {
		ent := entries[g]
		zeros := ncells - len(ent)

		// Walk the tie groups of the sorted nonzero values,
		// accumulating the in-group moments and mean-tie rank sum.
		// All zeros tie below the smallest nonzero value.
		inNZ := 0
		sumIn, sumsqIn := 0.0, 0.0
		rankNZ := 0.0
		tieTerm := float64(zeros)*float64(zeros)*float64(zeros) - float64(zeros)
		for start := 0; start < len(ent); {
			end := start + 1
			for end < len(ent) && ent[end].v == ent[start].v {
				end++
			}
			cIn := 0
			for k := start; k < end; k++ {
				if inClust[ent[k].row] {
					cIn++
				}
			}
			v := ent[start].v
			inNZ += cIn
			sumIn += v * float64(cIn)
			sumsqIn += v * v * float64(cIn)
			rankNZ += float64(start+1+end) / 2 * float64(cIn)
			if t := end - start; t > 1 {
				tieTerm += float64(t)*float64(t)*float64(t) - float64(t)
			}
			start = end
		}
		zIn := nIn - inNZ
		rankSumIn := float64(zIn)*(float64(zeros)+1)/2 + float64(zeros)*float64(inNZ) + rankNZ

		meanIn := sumIn / nInF
		meanOut := (sumAll[g] - sumIn) / nOutF
		varIn := (sumsqIn - nInF*meanIn*meanIn) / (nInF - 1)
		varOut := (sumsqAll[g] - sumsqIn - nOutF*meanOut*meanOut) / (nOutF - 1)
		if varIn < 0 {
			varIn = 0
		}
		if varOut < 0 {
			varOut = 0
		}
		pT[g] = welchP(meanIn, meanOut, varIn, varOut, nInF, nOutF)

		u := rankSumIn - nInF*(nInF+1)/2
		sigma2 := nInF * nOutF / 12 * ((nF + 1) - tieTerm/(nF*(nF-1)))
		if sigma2 <= 0 {
			pU[g] = 1
		} else {
			d := u - nInF*nOutF/2
			switch {
			case d > 0.5:
				d -= 0.5
			case d < -0.5:
				d += 0.5
			default:
				d = 0
			}
			dist := distuv.Normal{Mu: 0, Sigma: 1}
			if p := 2 * dist.Survival(math.Abs(d)/math.Sqrt(sigma2)); p < 1 {
				pU[g] = p
			} else {
				pU[g] = 1
			}
		}

		pG[g] = math.NaN()
		if cmd.glm {
			for _, e := range ent {
				exprBuf[e.row] = e.v
			}
			pG[g] = glmTest(exprBuf)
			for _, e := range ent {
				exprBuf[e.row] = 0
			}
		}

		rows[g] = markerRowGLM{markerRow: markerRow{
			Cluster: label,
			Gene:    lib.panel.Name(geneID(g)),
			Log2FC:  math.Log2((math.Expm1(meanIn) + 1e-9) / (math.Expm1(meanOut) + 1e-9)),
			PctIn:   float64(inNZ) / nInF,
			PctOut:  float64(len(ent)-inNZ) / nOutF,
		}}
	}

	fdrT := bhAdjust(pT)
	fdrU := bhAdjust(pU)
	fdrG := bhAdjust(pG)
	for g := range rows {
		rows[g].TP, rows[g].TFDR = pT[g], fdrT[g]
		rows[g].UP, rows[g].UFDR = pU[g], fdrU[g]
		rows[g].GLMP, rows[g].GLMFDR = pG[g], fdrG[g]
	}
	sort.SliceStable(rows, func(a, b int) bool {
		va, vb := rows[a].UFDR, rows[b].UFDR
		if na, nb := math.IsNaN(va), math.IsNaN(vb); na != nb {
			return nb
		} else if va != vb {
			return va < vb
		}
		return math.Abs(rows[a].Log2FC) > math.Abs(rows[b].Log2FC)
	})
	if cmd.top > 0 && len(rows) > cmd.top {
		rows = rows[:cmd.top]
	}
	log.Printf("cluster %q: %d cells, %d genes reported", label, nIn, len(rows))
	return rows
}

// welchP computes the two-sided p-value of Welch's unequal-variances
// t-test from group moments.
func welchP(meanIn, meanOut, varIn, varOut, nIn, nOut float64) float64 {
	se2 := varIn/nIn + varOut/nOut
	if se2 == 0 {
		if meanIn == meanOut {
			return 1
		}
		return 0
	}
	t := (meanIn - meanOut) / math.Sqrt(se2)
	df := se2 * se2 / (varIn*varIn/(nIn*nIn*(nIn-1)) + varOut*varOut/(nOut*nOut*(nOut-1)))
	if !(df > 0) {
		return math.NaN()
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	if p := 2 * dist.Survival(math.Abs(t)); p < 1 {
		return p
	}
	return 1
}

// bhAdjust computes Benjamini-Hochberg adjusted p-values. NaN entries
// stay NaN and do not count toward the number of tests.
func bhAdjust(p []float64) []float64 {
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if !math.IsNaN(v) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	adj := make([]float64, len(p))
	for i := range adj {
		adj[i] = math.NaN()
	}
	m := float64(len(idx))
	min := math.Inf(1)
	for i := len(idx) - 1; i >= 0; i-- {
		if v := p[idx[i]] * m / float64(i+1); v < min {
			min = v
		}
		adj[idx[i]] = math.Min(min, 1)
	}
	return adj
}

// sortClusterLabels orders labels numerically when possible so cluster
// "10" sorts after "9", with non-numeric labels after and sorted
// lexically.
func sortClusterLabels(labels []string) {
	sort.Slice(labels, func(a, b int) bool {
		x, xerr := strconv.Atoi(labels[a])
		y, yerr := strconv.Atoi(labels[b])
		if xerr == nil && yerr == nil {
			return x < y
		}
		if (xerr == nil) != (yerr == nil) {
			return xerr == nil
		}
		return labels[a] < labels[b]
	})
}
