// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"context"
	"encoding/csv"
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
	"gonum.org/v1/gonum/stat"
)

type annotatecmd struct {
	refFilename string
	refLabel    string
	deN         int
	quantile    float64
	tuneDelta   float64
	minDelta    float64
}

func (cmd *annotatecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	inputFilename := flags.String("i", "-", "input `file` (library)")
	outputFilename := flags.String("o", "-", "output `file`")
	flags.StringVar(&cmd.refFilename, "ref", "", "reference `file`: csv of per-label mean log expression, or a labeled library")
	flags.StringVar(&cmd.refLabel, "ref-label", "", "`annotation` column holding labels (library references only)")
	flags.IntVar(&cmd.deN, "de-n", 0, "marker genes per label pair (0 = 10*ceil(sqrt(labels)))")
	flags.Float64Var(&cmd.quantile, "quantile", 0.8, "per-label score `quantile` across that label's profiles")
	flags.Float64Var(&cmd.tuneDelta, "tune-delta", 0.05, "fine-tuning keeps labels scoring within `delta` of the best")
	flags.Float64Var(&cmd.minDelta, "min-delta", 0, "prune cells whose best score beats the median by less than `delta`")
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

	if cmd.refFilename == "" {
		err = errors.New("-ref file not specified")
		return 2
	}
	refIsCSV := strings.HasSuffix(strings.TrimSuffix(cmd.refFilename, ".gz"), ".csv")
	if refIsCSV && cmd.refLabel != "" {
		err = errors.New("-ref-label only applies to library references")
		return 2
	}
	if !refIsCSV && cmd.refLabel == "" {
		err = errors.New("-ref-label must be given when -ref is a library")
		return 2
	}
	if !(cmd.quantile >= 0 && cmd.quantile <= 1) {
		err = fmt.Errorf("-quantile=%g is outside [0,1]", cmd.quantile)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern annotate",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename, &cmd.refFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"annotate", "-local=true",
			"-de-n", strconv.Itoa(cmd.deN),
			fmt.Sprintf("-quantile=%g", cmd.quantile),
			fmt.Sprintf("-tune-delta=%g", cmd.tuneDelta),
			fmt.Sprintf("-min-delta=%g", cmd.minDelta),
			"-ref", cmd.refFilename,
			"-ref-label", cmd.refLabel,
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
	var ref *refProfiles
	if refIsCSV {
		var rdr io.ReadCloser
		rdr, err = zopen(cmd.refFilename)
		if err != nil {
			return 1
		}
		ref, err = loadRefProfilesCSV(rdr, lib.panel)
		rdr.Close()
		if err != nil {
			err = fmt.Errorf("%s: %w", cmd.refFilename, err)
			return 1
		}
	} else {
		var reflib *cellLibrary
		reflib, err = loadLibrary(context.Background(), cmd.refFilename, nil)
		if err != nil {
			return 1
		}
		ref, err = buildRefProfiles(reflib, cmd.refLabel, lib.panel)
		if err != nil {
			err = fmt.Errorf("%s: %w", cmd.refFilename, err)
			return 1
		}
	}
	err = cmd.annotate(lib, ref)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// refProfiles holds one or more mean log-expression profiles per
// reference label, restricted to genes that exist in the query panel.
type refProfiles struct {
	labels    []string
	profLabel []int       // profile index -> labels index
	genes     []int32     // query panel ids, ascending
	values    [][]float64 // [profile][gene]
}

// loadRefProfilesCSV reads a gene x profile table: first column gene
// name, one column per profile, column header = label. Repeating a
// label makes multiple profiles for it.
func loadRefProfilesCSV(rdr io.Reader, panel *genePanel) (*refProfiles, error) {
	csvr := csv.NewReader(rdr)
	header, err := csvr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) < 2 {
		return nil, errors.New("reference csv needs a gene column and at least one label column")
	}
	ref := &refProfiles{}
	labelIndex := map[string]int{}
	for _, label := range header[1:] {
		li, ok := labelIndex[label]
		if !ok {
			li = len(ref.labels)
			labelIndex[label] = li
			ref.labels = append(ref.labels, label)
		}
		ref.profLabel = append(ref.profLabel, li)
	}
	nprof := len(ref.profLabel)
	type refRow struct {
		gene int32
		vals []float64
	}
	var rows []refRow
	missing := 0
	for lineno := 2; ; lineno++ {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		id, ok := panel.Lookup(rec[0])
		if !ok {
			missing++
			continue
		}
		row := refRow{gene: int32(id), vals: make([]float64, nprof)}
		for i, s := range rec[1:] {
			row.vals[i], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: column %q: %w", lineno, header[i+1], err)
			}
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, errors.New("no reference genes are in the library's gene panel")
	}
	if missing > 0 {
		log.Warnf("ignoring %d reference genes that are not in the library's gene panel", missing)
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].gene < rows[b].gene })
	ref.genes = make([]int32, len(rows))
	ref.values = make([][]float64, nprof)
	for p := range ref.values {
		ref.values[p] = make([]float64, len(rows))
	}
	for i, row := range rows {
		ref.genes[i] = row.gene
		for p, v := range row.vals {
			ref.values[p][i] = v
		}
	}
	return ref, nil
}

// buildRefProfiles aggregates a labeled reference library into one
// profile per (label, batch): the mean log-normalized expression of
// each gene shared with the query panel.
func buildRefProfiles(reflib *cellLibrary, labelName string, panel *genePanel) (*refProfiles, error) {
	labels, err := reflib.requireAnnotation(labelName, "score -assign or annotate")
	if err != nil {
		return nil, err
	}
	norm, err := reflib.requireNorm()
	if err != nil {
		return nil, err
	}

	var refIDs, queryIDs []int32
	for i, name := range reflib.panel.Names() {
		if qid, ok := panel.Lookup(string(name)); ok {
			refIDs = append(refIDs, int32(i))
			queryIDs = append(queryIDs, int32(qid))
		}
	}
	if len(refIDs) == 0 {
		return nil, errors.New("reference and library gene panels have no genes in common")
	}
	if len(refIDs) < panel.Len() {
		log.Warnf("reference and library panels share %d of %d genes", len(refIDs), panel.Len())
	}
	// Keep profile columns in ascending query panel order.
	order := make([]int, len(refIDs))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return queryIDs[order[a]] < queryIDs[order[b]] })
	pos := make([]int32, reflib.panel.Len())
	for i := range pos {
		pos[i] = -1
	}
	ref := &refProfiles{genes: make([]int32, len(order))}
	for col, i := range order {
		ref.genes[col] = queryIDs[i]
		pos[refIDs[i]] = int32(col)
	}

	groupOf := make([]int, len(reflib.cells))
	groupIndex := map[string]int{}
	var groupLabel []string
	var groupSize []int
	for row, cell := range reflib.cells {
		key := labels[row] + "\x00" + cell.Batch
		g, ok := groupIndex[key]
		if !ok {
			g = len(groupLabel)
			groupIndex[key] = g
			groupLabel = append(groupLabel, labels[row])
		}
		groupOf[row] = g
		for len(groupSize) <= g {
			groupSize = append(groupSize, 0)
		}
		groupSize[g]++
	}
	ref.values = make([][]float64, len(groupLabel))
	for g := range ref.values {
		ref.values[g] = make([]float64, len(ref.genes))
	}
	for row, cell := range reflib.cells {
		acc := ref.values[groupOf[row]]
		divisor := norm.SizeFactors[row] * norm.Pseudocount
		for i, gene := range cell.Genes {
			if col := pos[gene]; col >= 0 {
				acc[col] += math.Log1p(float64(cell.Counts[i]) / divisor)
			}
		}
	}
	for g, vals := range ref.values {
		n := float64(groupSize[g])
		for col := range vals {
			vals[col] /= n
		}
	}

	labelIndex := map[string]int{}
	var distinct []string
	for _, label := range groupLabel {
		if _, ok := labelIndex[label]; !ok {
			labelIndex[label] = 0
			distinct = append(distinct, label)
		}
	}
	sort.Strings(distinct)
	for i, label := range distinct {
		labelIndex[label] = i
	}
	ref.labels = distinct
	ref.profLabel = make([]int, len(groupLabel))
	for g, label := range groupLabel {
		ref.profLabel[g] = labelIndex[label]
	}
	log.Printf("built %d reference profiles for %d labels from %d cells", len(ref.values), len(ref.labels), len(reflib.cells))
	return ref, nil
}

// labelMeans averages each label's profiles into a single vector, for
// marker selection.
func (ref *refProfiles) labelMeans() [][]float64 {
	means := make([][]float64, len(ref.labels))
	counts := make([]int, len(ref.labels))
	for p, vals := range ref.values {
		li := ref.profLabel[p]
		if means[li] == nil {
			means[li] = make([]float64, len(ref.genes))
		}
		for col, v := range vals {
			means[li][col] += v
		}
		counts[li]++
	}
	for li, m := range means {
		for col := range m {
			m[col] /= float64(counts[li])
		}
	}
	return means
}

// pairwiseMarkers picks, for every ordered label pair (a,b), the deN
// genes with the largest positive mean log fold change of a over b.
// Entry a*len(labels)+b lists profile columns, unsorted.
func (ref *refProfiles) pairwiseMarkers(deN int) [][]int32 {
	nlabels := len(ref.labels)
	means := ref.labelMeans()
	markers := make([][]int32, nlabels*nlabels)
	idx := make([]int32, len(ref.genes))
	for a := 0; a < nlabels; a++ {
		for b := 0; b < nlabels; b++ {
			if a == b {
				continue
			}
			for i := range idx {
				idx[i] = int32(i)
			}
			ma, mb := means[a], means[b]
			sort.Slice(idx, func(x, y int) bool {
				return ma[idx[x]]-mb[idx[x]] > ma[idx[y]]-mb[idx[y]]
			})
			var top []int32
			for _, col := range idx {
				if len(top) >= deN || ma[col]-mb[col] <= 0 {
					break
				}
				top = append(top, col)
			}
			markers[a*nlabels+b] = top
		}
	}
	return markers
}

// annotate classifies each cell by Spearman correlation against the
// reference profiles over marker genes, with iterative fine-tuning
// over the surviving labels.
func (cmd *annotatecmd) annotate(lib *cellLibrary, ref *refProfiles) error {
	if _, err := lib.requireNorm(); err != nil {
		return err
	}
	nlabels := len(ref.labels)
	nprof := len(ref.values)
	deN := cmd.deN
	if deN <= 0 {
		deN = 10 * int(math.Ceil(math.Sqrt(float64(nlabels))))
	}
	if deN > len(ref.genes) {
		deN = len(ref.genes)
	}
	markers := ref.pairwiseMarkers(deN)

	// Marker union across all label pairs, as profile columns.
	inUnion := make([]bool, len(ref.genes))
	for _, cols := range markers {
		for _, col := range cols {
			inUnion[col] = true
		}
	}
	var fullCols []int32
	for col, in := range inUnion {
		if in {
			fullCols = append(fullCols, int32(col))
		}
	}
	if len(fullCols) == 0 {
		return errors.New("no marker genes separate the reference labels")
	}
	log.Printf("scoring %d cells against %d profiles (%d labels) over %d marker genes", len(lib.cells), nprof, nlabels, len(fullCols))

	profRanksFull := make([][]float64, nprof)
	{
		var order []int
		for p, vals := range ref.values {
			profRanksFull[p] = make([]float64, len(fullCols))
			order = rankCols(vals, fullCols, order, profRanksFull[p])
		}
	}

	pos := genePos(lib.panel.Len(), ref.genes)
	scoreRows := make([][]float32, len(lib.cells))
	deltaRows := make([][]float32, len(lib.cells))
	labelsOut := make([]string, len(lib.cells))

	parallel.Range(0, len(lib.cells), 0, func(low, high int) {
		vals := make([]float64, len(ref.genes))
		cellRanks := make([]float64, len(fullCols))
		profRanks := make([]float64, len(fullCols))
		scores := make([]float64, nlabels)
		var order []int
		var corrs []float64
		stamp := make([]int, len(ref.genes))
		stampGen := 0
		var cols []int32

		labelScores := func(active []int, cols []int32, cellRanks []float64, fullPass bool) {
			for _, li := range active {
				corrs = corrs[:0]
				for p, vals := range ref.values {
					if ref.profLabel[p] != li {
						continue
					}
					var pr []float64
					if fullPass {
						pr = profRanksFull[p]
					} else {
						pr = profRanks[:len(cols)]
						order = rankCols(vals, cols, order, pr)
					}
					if c := stat.Correlation(cellRanks, pr, nil); !math.IsNaN(c) {
						corrs = append(corrs, c)
					}
				}
				if len(corrs) == 0 {
					scores[li] = math.NaN()
					continue
				}
				sort.Float64s(corrs)
				scores[li] = stat.Quantile(cmd.quantile, stat.Empirical, corrs, nil)
			}
		}
		argmax := func(active []int) int {
			best := -1
			for _, li := range active {
				if !math.IsNaN(scores[li]) && (best < 0 || scores[li] > scores[best]) {
					best = li
				}
			}
			return best
		}

		for rownum := low; rownum < high; rownum++ {
			lib.lognormInto(rownum, pos, vals)
			active := make([]int, nlabels)
			for i := range active {
				active[i] = i
			}
			order = rankCols(vals, fullCols, order, cellRanks[:len(fullCols)])
			labelScores(active, fullCols, cellRanks[:len(fullCols)], true)

			row := make([]float32, nlabels)
			for li, s := range scores {
				row[li] = float32(s)
			}
			scoreRows[rownum] = row

			best := argmax(active)
			for len(active) > 1 && best >= 0 {
				var keep []int
				for _, li := range active {
					if !math.IsNaN(scores[li]) && scores[li] >= scores[best]-cmd.tuneDelta {
						keep = append(keep, li)
					}
				}
				if len(keep) <= 1 || len(keep) == len(active) {
					break
				}
				active = keep
				stampGen++
				cols = cols[:0]
				for _, a := range active {
					for _, b := range active {
						if a == b {
							continue
						}
						for _, col := range markers[a*nlabels+b] {
							if stamp[col] != stampGen {
								stamp[col] = stampGen
								cols = append(cols, col)
							}
						}
					}
				}
				if len(cols) == 0 {
					break
				}
				sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
				order = rankCols(vals, cols, order, cellRanks[:len(cols)])
				labelScores(active, cols, cellRanks[:len(cols)], false)
				best = argmax(active)
			}

			delta := math.NaN()
			if best < 0 {
				labelsOut[rownum] = "unassigned"
			} else {
				labelsOut[rownum] = ref.labels[best]
				if nlabels > 1 {
					med := medianOf(row)
					delta = float64(row[best]) - med
				}
			}
			deltaRows[rownum] = []float32{float32(delta)}
		}
	})

	lib.setMatrix("singler", ref.labels, scoreRows)
	lib.setMatrix("singler.delta", []string{"delta"}, deltaRows)
	lib.setAnnotation("celltype.ref", labelsOut)
	if cmd.minDelta > 0 && nlabels > 1 {
		pruned := make([]string, len(labelsOut))
		npruned := 0
		for i, label := range labelsOut {
			d := float64(deltaRows[i][0])
			if math.IsNaN(d) || d < cmd.minDelta {
				pruned[i] = "unassigned"
				npruned++
			} else {
				pruned[i] = label
			}
		}
		lib.setAnnotation("celltype.ref.pruned", pruned)
		log.Printf("pruned %d of %d assignments with delta below %g", npruned, len(labelsOut), cmd.minDelta)
	}
	return nil
}

// rankCols writes mean-tie ranks of vals at the given columns into
// ranks, reusing (and returning) the caller's scratch slice.
func rankCols(vals []float64, cols []int32, order []int, ranks []float64) []int {
	n := len(cols)
	if cap(order) < n {
		order = make([]int, n)
	}
	order = order[:n]
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return vals[cols[order[a]]] < vals[cols[order[b]]] })
	for start := 0; start < n; {
		end := start + 1
		for end < n && vals[cols[order[end]]] == vals[cols[order[start]]] {
			end++
		}
		mean := float64(start+1+end) / 2
		for k := start; k < end; k++ {
			ranks[order[k]] = mean
		}
		start = end
	}
	return order
}

// medianOf ignores NaN entries.
func medianOf(row []float32) float64 {
	tmp := make([]float64, 0, len(row))
	for _, v := range row {
		if !math.IsNaN(float64(v)) {
			tmp = append(tmp, float64(v))
		}
	}
	if len(tmp) == 0 {
		return math.NaN()
	}
	sort.Float64s(tmp)
	n := len(tmp)
	if n%2 == 1 {
		return tmp[n/2]
	}
	return (tmp[n/2-1] + tmp[n/2]) / 2
}
