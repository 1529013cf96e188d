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

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/exascience/pargo/parallel"
	log "github.com/sirupsen/logrus"
)

type scorecmd struct {
	genesetFilename string
	topFrac         float64
	assign          bool
	minScore        float64
}

func (cmd *scorecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.genesetFilename, "genesets", "", "gene set `file` (.gmt, or csv with set,gene columns)")
	flags.Float64Var(&cmd.topFrac, "top-frac", 0.05, "`fraction` of top-ranked genes counted by the recovery curve")
	flags.BoolVar(&cmd.assign, "assign", false, "assign each cell the label of its best-scoring set")
	flags.Float64Var(&cmd.minScore, "min-score", 0, "with -assign, label cells scoring below `min` as unassigned")
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

	if cmd.genesetFilename == "" {
		err = errors.New("-genesets file not specified")
		return 2
	}
	if !(cmd.topFrac > 0) || cmd.topFrac > 1 {
		err = fmt.Errorf("-top-frac=%g is outside (0,1]", cmd.topFrac)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern score",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         24000000000,
			VCPUs:       16,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename, &cmd.genesetFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"score", "-local=true",
			fmt.Sprintf("-top-frac=%g", cmd.topFrac),
			fmt.Sprintf("-assign=%v", cmd.assign),
			fmt.Sprintf("-min-score=%g", cmd.minScore),
			"-genesets", cmd.genesetFilename,
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

	var setsFile io.ReadCloser
	setsFile, err = zopen(cmd.genesetFilename)
	if err != nil {
		return 1
	}
	sets, err := loadGeneSets(cmd.genesetFilename, setsFile)
	setsFile.Close()
	if err != nil {
		return 1
	}
	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	err = cmd.score(lib, sets)
	if err != nil {
		return 1
	}
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}

// score computes one AUCell-style activity column per gene set: the
// area under the recovery curve over each cell's expression ranking,
// restricted to the top topFrac of the panel and normalized so a set
// occupying the very top ranks scores 1.
func (cmd *scorecmd) score(lib *cellLibrary, sets []geneSet) error {
	npanel := lib.panel.Len()
	maxRank := int(math.Ceil(cmd.topFrac * float64(npanel)))
	if maxRank > npanel {
		maxRank = npanel
	}
	if maxRank < 2 {
		return fmt.Errorf("-top-frac=%g keeps only %d of %d genes, need at least 2", cmd.topFrac, maxRank, npanel)
	}

	colnames := make([]string, len(sets))
	members := make([][]int32, len(sets))
	maxArea := make([]float64, len(sets))
	for si, set := range sets {
		colnames[si] = set.Name
		mask, found := set.panelMask(lib.panel)
		if found == 0 {
			log.Warnf("gene set %q has no genes in the panel, scores will be zero", set.Name)
			continue
		}
		for g, ok := mask.NextSet(0); ok; g, ok = mask.NextSet(g + 1) {
			members[si] = append(members[si], int32(g))
		}
		m := len(members[si])
		if m > maxRank {
			m = maxRank
		}
		maxArea[si] = float64(m*maxRank) - float64(m*(m+1))/2
	}

	rows := make([][]float32, len(lib.cells))
	parallel.Range(0, len(lib.cells), 0, func(low, high int) {
		var order []int
		var rankOf []float64
		for rownum := low; rownum < high; rownum++ {
			cell := &lib.cells[rownum]
			nz := len(cell.Genes)
			if cap(order) < nz {
				order = make([]int, nz)
				rankOf = make([]float64, nz)
			}
			order, rankOf = order[:nz], rankOf[:nz]
			for i := range order {
				order[i] = i
			}
			sort.Slice(order, func(a, b int) bool {
				return cell.Counts[order[a]] > cell.Counts[order[b]]
			})
			// Mean rank for runs of equal counts. Genes the
			// cell does not express share the mean of the
			// remaining ranks, after all expressed genes.
			for start := 0; start < nz; {
				end := start + 1
				for end < nz && cell.Counts[order[end]] == cell.Counts[order[start]] {
					end++
				}
				mean := float64(start+1+end) / 2
				for k := start; k < end; k++ {
					rankOf[order[k]] = mean
				}
				start = end
			}
			tail := (float64(nz+1) + float64(npanel)) / 2

			row := make([]float32, len(sets))
			for si := range sets {
				if maxArea[si] == 0 {
					continue
				}
				sum := 0.0
				for _, g := range members[si] {
					r := tail
					if i := sort.Search(nz, func(i int) bool { return cell.Genes[i] >= g }); i < nz && cell.Genes[i] == g {
						r = rankOf[i]
					}
					if r <= float64(maxRank) {
						sum += float64(maxRank) - r
					}
				}
				row[si] = float32(sum / maxArea[si])
			}
			rows[rownum] = row
		}
	})
	lib.setMatrix("aucell", colnames, rows)
	log.Printf("scored %d gene sets across %d cells (rank cutoff %d of %d genes)", len(sets), len(lib.cells), maxRank, npanel)

	if cmd.assign {
		labels := make([]string, len(lib.cells))
		assigned := 0
		for rownum, row := range rows {
			best, bestScore := -1, 0.0
			for si, v := range row {
				if float64(v) > bestScore {
					best, bestScore = si, float64(v)
				}
			}
			if best < 0 || bestScore < cmd.minScore {
				labels[rownum] = "unassigned"
			} else {
				labels[rownum] = sets[best].Name
				assigned++
			}
		}
		lib.setAnnotation("celltype.score", labels)
		log.Printf("assigned %d of %d cells a gene set label", assigned, len(lib.cells))
	}
	return nil
}
