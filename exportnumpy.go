package lantern

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"regexp"
	"sort"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

type exportNumpy struct {
	layer         string
	cellsFilename string
	genesFilename string
}

func (cmd *exportNumpy) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file` (npy)")
	flags.StringVar(&cmd.layer, "layer", "counts", "`layer` to export: counts, lognorm, or a stored matrix name")
	flags.StringVar(&cmd.cellsFilename, "cells-csv", "", "also write the row index (barcode, batch) to `file`")
	flags.StringVar(&cmd.genesFilename, "genes-csv", "", "also write the column index to `file`")
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
			Name:        "lantern export-numpy",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         128000000000,
			VCPUs:       2,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"export-numpy", "-local=true",
			"-layer", cmd.layer,
			"-i", *inputFilename,
			"-o", "/mnt/output/matrix.npy",
		}
		if cmd.cellsFilename != "" {
			runner.Args = append(runner.Args, "-cells-csv", "/mnt/output/cells.csv")
		}
		if cmd.genesFilename != "" {
			runner.Args = append(runner.Args, "-genes-csv", "/mnt/output/genes.csv")
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/matrix.npy")
		if cmd.cellsFilename != "" {
			fmt.Fprintln(stdout, output+"/cells.csv")
		}
		if cmd.genesFilename != "" {
			fmt.Fprintln(stdout, output+"/genes.csv")
		}
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	flat, rows, cols, colnames, err := cmd.denseLayer(lib)
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return 1
		}
	}
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return 1
	}
	npw.Shape = []int{rows, cols}
	log.Printf("writing numpy: %d rows, %d cols", rows, cols)
	err = npw.WriteFloat64(flat)
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

	if cmd.cellsFilename != "" {
		recs := make([][]string, 0, len(lib.cells)+1)
		recs = append(recs, []string{"barcode", "batch"})
		for _, cell := range lib.cells {
			recs = append(recs, []string{cell.Barcode, cell.Batch})
		}
		err = writeIndexCSV(cmd.cellsFilename, recs)
		if err != nil {
			return 1
		}
	}
	if cmd.genesFilename != "" {
		recs := make([][]string, 0, len(colnames)+1)
		recs = append(recs, []string{"column"})
		for _, name := range colnames {
			recs = append(recs, []string{name})
		}
		err = writeIndexCSV(cmd.genesFilename, recs)
		if err != nil {
			return 1
		}
	}
	return 0
}

// denseLayer builds the requested layer as a dense row-major float64
// array, along with its column names.
func (cmd *exportNumpy) denseLayer(lib *cellLibrary) ([]float64, int, int, []string, error) {
	ncells := len(lib.cells)
	npanel := lib.panel.Len()
	switch cmd.layer {
	case "counts":
		out := make([]float64, ncells*npanel)
		for row := range lib.cells {
			cell := &lib.cells[row]
			for i, g := range cell.Genes {
				out[row*npanel+int(g)] = float64(cell.Counts[i])
			}
		}
		return out, ncells, npanel, panelNames(lib.panel), nil
	case "lognorm":
		norm, err := lib.requireNorm()
		if err != nil {
			return nil, 0, 0, nil, err
		}
		out := make([]float64, ncells*npanel)
		for row := range lib.cells {
			cell := &lib.cells[row]
			divisor := norm.SizeFactors[row] * norm.Pseudocount
			for i, g := range cell.Genes {
				out[row*npanel+int(g)] = math.Log1p(float64(cell.Counts[i]) / divisor)
			}
		}
		return out, ncells, npanel, panelNames(lib.panel), nil
	default:
		m, ok := lib.matrices[cmd.layer]
		if !ok {
			have := []string{"counts", "lognorm"}
			for name := range lib.matrices {
				have = append(have, name)
			}
			sort.Strings(have[2:])
			return nil, 0, 0, nil, fmt.Errorf("library has no %q layer (have %s)", cmd.layer, strings.Join(have, ", "))
		}
		cols := len(m.Columns)
		out := make([]float64, ncells*cols)
		for row, vals := range m.Rows {
			for j, v := range vals {
				out[row*cols+j] = float64(v)
			}
		}
		return out, ncells, cols, m.Columns, nil
	}
}

func panelNames(panel *genePanel) []string {
	names := make([]string, panel.Len())
	for g := range names {
		names[g] = panel.Name(geneID(g))
	}
	return names
}

func writeIndexCSV(fnm string, recs [][]string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	err = w.WriteAll(recs)
	if err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// allFiles returns the files in path (a plain file, or a directory
// walked recursively) whose names match re.
func allFiles(path string, re *regexp.Regexp) ([]string, error) {
	var files []string
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fis, err := f.Readdir(-1)
	if err != nil {
		return []string{path}, nil
	}
	for _, fi := range fis {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		} else if fi.IsDir() {
			subfiles, err := allFiles(path+"/"+fi.Name(), re)
			if err != nil {
				return nil, err
			}
			files = append(files, subfiles...)
		} else if re == nil || re.MatchString(fi.Name()) {
			files = append(files, path+"/"+fi.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

var matchGobFile = regexp.MustCompile(`\.gob(\.gz)?$`)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
