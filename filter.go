package lantern

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"regexp"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type qcFilter struct {
	MinGenes   int
	MinCounts  float64
	MaxCounts  float64
	MaxMito    float64
	MitoPrefix string
	MinCells   int
	DropGenes  string
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinGenes, "min-genes", 200, "drop cells with fewer than `N` detected genes")
	flags.Float64Var(&f.MinCounts, "min-counts", 0, "drop cells with total count below `N`")
	flags.Float64Var(&f.MaxCounts, "max-counts", 0, "drop cells with total count above `N` (0 = unlimited)")
	flags.Float64Var(&f.MaxMito, "max-mito", 1, "drop cells with mitochondrial fraction above `F`")
	flags.StringVar(&f.MitoPrefix, "mito-prefix", "MT-", "gene name `prefix` for the mitochondrial fraction")
	flags.IntVar(&f.MinCells, "min-cells", 3, "zero out genes detected in fewer than `N` cells")
	flags.StringVar(&f.DropGenes, "drop-genes", "", "record genes matching `regexp` as the \"blacklist\" subset, excluding them from hvg and pca")
}

func (f *qcFilter) Args() []string {
	return []string{
		fmt.Sprintf("-min-genes=%d", f.MinGenes),
		fmt.Sprintf("-min-counts=%g", f.MinCounts),
		fmt.Sprintf("-max-counts=%g", f.MaxCounts),
		fmt.Sprintf("-max-mito=%g", f.MaxMito),
		"-mito-prefix=" + f.MitoPrefix,
		fmt.Sprintf("-min-cells=%d", f.MinCells),
		"-drop-genes=" + f.DropGenes,
	}
}

// Apply drops cells failing the QC thresholds, zeroes out rarely
// detected genes, and records the blacklist subset.
func (f *qcFilter) Apply(lib *cellLibrary) error {
	totals := lib.countsPerCell()
	var mito []int32
	if f.MaxMito < 1 && f.MitoPrefix != "" {
		mito = lib.panel.matchingGenes(f.MitoPrefix)
		if len(mito) == 0 {
			log.Warnf("no genes match mito prefix %q, skipping mito filter", f.MitoPrefix)
		}
	}
	isMito := make([]bool, lib.panel.Len())
	for _, g := range mito {
		isMito[g] = true
	}

	keep := make([]bool, len(lib.cells))
	var nGenes, nCounts, nMito int
	for i, cell := range lib.cells {
		keep[i] = true
		if len(cell.Genes) < f.MinGenes {
			keep[i] = false
			nGenes++
			continue
		}
		if totals[i] < f.MinCounts || (f.MaxCounts > 0 && totals[i] > f.MaxCounts) {
			keep[i] = false
			nCounts++
			continue
		}
		if len(mito) > 0 {
			mitoSum := 0.0
			for j, g := range cell.Genes {
				if isMito[g] {
					mitoSum += float64(cell.Counts[j])
				}
			}
			if mitoSum/totals[i] > f.MaxMito {
				keep[i] = false
				nMito++
			}
		}
	}
	log.Printf("dropping %d cells with <%d genes, %d outside count bounds, %d above mito fraction %g", nGenes, f.MinGenes, nCounts, nMito, f.MaxMito)
	lib.subsetCells(keep)
	if len(lib.cells) == 0 {
		return errors.New("no cells pass filters")
	}

	if f.MinCells > 0 {
		detected := make([]int, lib.panel.Len())
		for _, cell := range lib.cells {
			for _, g := range cell.Genes {
				detected[g]++
			}
		}
		rare := make([]bool, lib.panel.Len())
		nRare := 0
		for g, n := range detected {
			if n > 0 && n < f.MinCells {
				rare[g] = true
				nRare++
			}
		}
		if nRare > 0 {
			log.Printf("zeroing out %d genes detected in fewer than %d cells", nRare, f.MinCells)
			emptied := make([]bool, len(lib.cells))
			nEmptied := 0
			for i := range lib.cells {
				cell := &lib.cells[i]
				j := 0
				for k, g := range cell.Genes {
					if !rare[g] {
						cell.Genes[j], cell.Counts[j] = g, cell.Counts[k]
						j++
					}
				}
				cell.Genes, cell.Counts = cell.Genes[:j], cell.Counts[:j]
				if j == 0 {
					emptied[i] = true
					nEmptied++
				}
			}
			if nEmptied > 0 {
				log.Warnf("dropping %d cells left with no counts", nEmptied)
				keep := make([]bool, len(lib.cells))
				for i, e := range emptied {
					keep[i] = !e
				}
				lib.subsetCells(keep)
				if len(lib.cells) == 0 {
					return errors.New("no cells pass filters")
				}
			}
		}
	}

	if f.DropGenes != "" {
		re, err := regexp.Compile(f.DropGenes)
		if err != nil {
			return fmt.Errorf("-drop-genes: %s", err)
		}
		var blacklist []int32
		for g := 0; g < lib.panel.Len(); g++ {
			if re.MatchString(lib.panel.Name(geneID(g))) {
				blacklist = append(blacklist, int32(g))
			}
		}
		if len(blacklist) == 0 {
			log.Warnf("no genes match -drop-genes %q", f.DropGenes)
		} else {
			log.Printf("blacklisting %d genes matching %q", len(blacklist), f.DropGenes)
			lib.setSubset("blacklist", blacklist)
		}
	}
	return nil
}

type filtercmd struct {
	qcFilter
}

func (cmd *filtercmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	cmd.qcFilter.Flags(flags)
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

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern filter",
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
		runner.Args = append([]string{"filter", "-local=true",
			"-i", *inputFilename,
			"-o", "/mnt/output/library.gob",
		}, cmd.qcFilter.Args()...)
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
	nbefore := lib.Len()
	err = cmd.qcFilter.Apply(lib)
	if err != nil {
		return 1
	}
	log.Printf("%d of %d cells pass filters", lib.Len(), nbefore)
	err = lib.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}
