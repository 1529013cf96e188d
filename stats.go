package lantern

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

type statscmd struct {
	mitoPrefix string
}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.mitoPrefix, "mito-prefix", "MT-", "gene name `prefix` for mitochondrial fraction (\"\" to skip)")
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
			Name:        "lantern stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true",
			"-mito-prefix", cmd.mitoPrefix,
			"-i", *inputFilename,
			"-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(lib, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

// distSummary is the JSON rendering of a per-cell distribution.
type distSummary struct {
	Mean   float64
	Min    float64
	Q25    float64
	Median float64
	Q75    float64
	Max    float64
}

func summarize(x []float64) *distSummary {
	if len(x) == 0 {
		return nil
	}
	data := stats.LoadRawData(x)
	var s distSummary
	s.Mean, _ = data.Mean()
	s.Min, _ = data.Min()
	s.Median, _ = data.Median()
	s.Max, _ = data.Max()
	if q, err := stats.Quartile(data); err == nil {
		s.Q25, s.Q75 = q.Q1, q.Q3
	}
	return &s
}

func (cmd *statscmd) doStats(lib *cellLibrary, output io.Writer) error {
	var ret struct {
		Cells         int
		Genes         int
		Batches       map[string]int
		CountsPerCell *distSummary
		GenesPerCell  *distSummary
		MitoFraction  *distSummary              `json:",omitempty"`
		NormMethod    string                    `json:",omitempty"`
		SizeFactors   *distSummary              `json:",omitempty"`
		Subsets       map[string]int            `json:",omitempty"`
		Annotations   map[string]map[string]int `json:",omitempty"`
		Matrices      map[string]int            `json:",omitempty"`
		Graphs        map[string]int            `json:",omitempty"`
	}
	ret.Cells = len(lib.cells)
	ret.Genes = lib.panel.Len()

	ret.Batches = map[string]int{}
	for _, cell := range lib.cells {
		ret.Batches[cell.Batch]++
	}

	totals := lib.countsPerCell()
	ret.CountsPerCell = summarize(totals)

	ngenes := make([]float64, len(lib.cells))
	for i, cell := range lib.cells {
		ngenes[i] = float64(len(cell.Genes))
	}
	ret.GenesPerCell = summarize(ngenes)

	if cmd.mitoPrefix != "" {
		mito := lib.panel.matchingGenes(cmd.mitoPrefix)
		if len(mito) == 0 {
			log.Debugf("no genes match mito prefix %q", cmd.mitoPrefix)
		} else {
			isMito := make([]bool, lib.panel.Len())
			for _, g := range mito {
				isMito[g] = true
			}
			frac := make([]float64, len(lib.cells))
			for i, cell := range lib.cells {
				mitoSum := 0.0
				for j, g := range cell.Genes {
					if isMito[g] {
						mitoSum += float64(cell.Counts[j])
					}
				}
				if totals[i] > 0 {
					frac[i] = mitoSum / totals[i]
				}
			}
			ret.MitoFraction = summarize(frac)
		}
	}

	if lib.norm != nil {
		ret.NormMethod = lib.norm.Method
		ret.SizeFactors = summarize(lib.norm.SizeFactors)
	}
	if len(lib.subsets) > 0 {
		ret.Subsets = map[string]int{}
		for name, genes := range lib.subsets {
			ret.Subsets[name] = len(genes)
		}
	}
	if len(lib.annotations) > 0 {
		ret.Annotations = map[string]map[string]int{}
		for name, values := range lib.annotations {
			tally := map[string]int{}
			for _, v := range values {
				tally[v]++
			}
			ret.Annotations[name] = tally
		}
	}
	if len(lib.matrices) > 0 {
		ret.Matrices = map[string]int{}
		for name, m := range lib.matrices {
			ret.Matrices[name] = len(m.Columns)
		}
	}
	if len(lib.graphs) > 0 {
		ret.Graphs = map[string]int{}
		for name, g := range lib.graphs {
			ret.Graphs[name] = g.K
		}
	}

	return json.NewEncoder(output).Encode(ret)
}
