package lantern

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strconv"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type exporter struct {
	matrixNames string
}

func (cmd *exporter) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	flags.StringVar(&cmd.matrixNames, "matrices", "auto", "matrix `names` whose columns to include (comma-separated), \"all\", \"none\", or \"auto\" (umap when present)")
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
			Name:        "lantern export",
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
		runner.Args = []string{"export", "-local=true",
			"-matrices", cmd.matrixNames,
			"-i", *inputFilename,
			"-o", "/mnt/output/cells.csv",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/cells.csv")
		return 0
	}

	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
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
	err = cmd.export(lib, bufw)
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

// export writes one csv row per cell: barcode, batch, every annotation
// column in name order, then the columns of the selected matrices.
func (cmd *exporter) export(lib *cellLibrary, out io.Writer) error {
	var annoNames []string
	for name := range lib.annotations {
		annoNames = append(annoNames, name)
	}
	sort.Strings(annoNames)

	var mtxNames []string
	switch cmd.matrixNames {
	case "none":
	case "auto":
		if _, ok := lib.matrices["umap"]; ok {
			mtxNames = append(mtxNames, "umap")
		}
	case "all":
		for name := range lib.matrices {
			mtxNames = append(mtxNames, name)
		}
		sort.Strings(mtxNames)
	default:
		for _, name := range strings.Split(cmd.matrixNames, ",") {
			if _, ok := lib.matrices[name]; !ok {
				return fmt.Errorf("library has no %q matrix", name)
			}
			mtxNames = append(mtxNames, name)
		}
	}

	header := []string{"barcode", "batch"}
	header = append(header, annoNames...)
	var mtxs []*CellMatrix
	for _, name := range mtxNames {
		m := lib.matrices[name]
		mtxs = append(mtxs, m)
		for _, col := range m.Columns {
			header = append(header, name+"."+col)
		}
	}

	w := csv.NewWriter(out)
	err := w.Write(header)
	if err != nil {
		return err
	}
	rec := make([]string, 0, len(header))
	for row, cell := range lib.cells {
		rec = rec[:0]
		rec = append(rec, cell.Barcode, cell.Batch)
		for _, name := range annoNames {
			rec = append(rec, lib.annotations[name][row])
		}
		for _, m := range mtxs {
			for _, v := range m.Rows[row] {
				rec = append(rec, strconv.FormatFloat(float64(v), 'g', -1, 32))
			}
		}
		err = w.Write(rec)
		if err != nil {
			return err
		}
	}
	w.Flush()
	log.Printf("exported %d cells, %d columns", len(lib.cells), len(header))
	return w.Error()
}
