package lantern

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/exascience/pargo/pipeline"
	log "github.com/sirupsen/logrus"
)

type importer struct {
	featuresFile  string
	barcodesFile  string
	featureColumn int
	batchLabel    string
	minCount      float64
	cellsInRows   bool
	outputFile    string
	projectUUID   string
	runLocal      bool
	batchArgs
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.featuresFile, "features", "", "feature list `file` for bare .mtx input (features.tsv format, or one gene name per line)")
	flags.StringVar(&cmd.barcodesFile, "barcodes", "", "barcode list `file` for bare .mtx input")
	flags.IntVar(&cmd.featureColumn, "feature-column", 2, "tab-separated `column` of the feature list to use as the gene name")
	flags.StringVar(&cmd.batchLabel, "batch-label", "", "batch `label` for imported cells (default: input basename)")
	flags.Float64Var(&cmd.minCount, "min-count", 1, "drop matrix entries with count below `N`")
	flags.BoolVar(&cmd.cellsInRows, "cells-in-rows", false, "dense csv input has one row per cell instead of one row per gene")
	flags.StringVar(&cmd.outputFile, "o", "-", "output `file`")
	flags.StringVar(&cmd.projectUUID, "project", "", "project `UUID` for output data")
	flags.BoolVar(&cmd.runLocal, "local", false, "run on local host (default: run in an arvados container)")
	cmd.batchArgs.Flags(flags)
	priority := flags.Int("priority", 500, "container request priority")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() == 0 {
		flags.Usage()
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return 2
	}
	log.SetLevel(lvl)

	if cmd.batchLabel != "" && flags.NArg() > 1 {
		err = errors.New("cannot use -batch-label with more than one input")
		return 2
	}

	if !cmd.runLocal {
		inputs := flags.Args()
		var outputs []string
		outputs, err = cmd.batchArgs.RunBatches(context.Background(), func(ctx context.Context, batch int) (string, error) {
			runner := arvadosContainerRunner{
				Name:        "lantern import",
				Client:      arvados.NewClientFromEnv(),
				ProjectUUID: cmd.projectUUID,
				RAM:         64000000000,
				VCPUs:       16,
				Priority:    *priority,
			}
			err := runner.TranslatePaths(&cmd.featuresFile, &cmd.barcodesFile)
			if err != nil {
				return "", err
			}
			inputs := append([]string(nil), inputs...)
			for i := range inputs {
				err = runner.TranslatePaths(&inputs[i])
				if err != nil {
					return "", err
				}
			}
			if cmd.outputFile != "-" {
				return "", errors.New("cannot specify output file in container mode: not implemented")
			}
			runner.Args = append([]string{"import",
				"-local=true",
				"-loglevel=" + *loglevel,
				fmt.Sprintf("-feature-column=%d", cmd.featureColumn),
				fmt.Sprintf("-min-count=%g", cmd.minCount),
				fmt.Sprintf("-cells-in-rows=%v", cmd.cellsInRows),
				"-batch-label", cmd.batchLabel,
				"-features", cmd.featuresFile,
				"-barcodes", cmd.barcodesFile,
				"-o", "/mnt/output/library.gob",
			}, append(cmd.batchArgs.Args(batch), inputs...)...)
			return runner.RunContext(ctx)
		})
		if err != nil {
			return 1
		}
		for _, output := range outputs {
			fmt.Fprintln(stdout, output+"/library.gob")
		}
		return 0
	}

	infiles := cmd.batchArgs.Slice(flags.Args())
	var lib cellLibrary
	starttime := time.Now()
	for i, infile := range infiles {
		log.Printf("%s starting (%d/%d)", infile, i+1, len(infiles))
		var in cellLibrary
		err = cmd.importOne(&in, infile)
		if err != nil {
			return 1
		}
		log.Printf("%s done, %d cells, elapsed %v", infile, in.Len(), time.Since(starttime))
		err = lib.absorb(&in)
		if err != nil {
			return 1
		}
	}
	err = lib.validate()
	if err != nil {
		return 1
	}
	log.Printf("imported %d cells, %d genes", lib.Len(), lib.panel.Len())
	err = lib.Save(cmd.outputFile, stdout)
	if err != nil {
		return 1
	}
	return 0
}

var (
	mtxFilenameRe = regexp.MustCompile(`\.mtx(\.gz)?$`)
	csvFilenameRe = regexp.MustCompile(`\.csv(\.gz)?$`)
)

// batchLabelFor derives a batch label from an input path: the base
// name with matrix file extensions stripped.
func batchLabelFor(path string) string {
	base := filepath.Base(strings.TrimSuffix(path, "/"))
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".mtx")
	base = strings.TrimSuffix(base, ".csv")
	return base
}

func (cmd *importer) importOne(lib *cellLibrary, path string) error {
	label := cmd.batchLabel
	if label == "" {
		label = batchLabelFor(path)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		mtx, err := findInDir(path, "matrix.mtx")
		if err != nil {
			return err
		}
		features, err := findInDir(path, "features.tsv", "genes.tsv")
		if err != nil {
			return err
		}
		barcodes, err := findInDir(path, "barcodes.tsv")
		if err != nil {
			return err
		}
		return cmd.importMtx(lib, label, mtx, features, barcodes)
	} else if mtxFilenameRe.MatchString(path) {
		if cmd.featuresFile == "" || cmd.barcodesFile == "" {
			return fmt.Errorf("%s: bare .mtx input needs -features and -barcodes", path)
		}
		return cmd.importMtx(lib, label, path, cmd.featuresFile, cmd.barcodesFile)
	} else if csvFilenameRe.MatchString(path) {
		return cmd.importCSV(lib, label, path)
	}
	return fmt.Errorf("don't know how to import %s", path)
}

// findInDir returns the first stem (or stem+".gz") that exists in
// dir.
func findInDir(dir string, stems ...string) (string, error) {
	for _, stem := range stems {
		for _, name := range []string{stem, stem + ".gz"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%s: no %s found", dir, strings.Join(stems, " or "))
}

func loadGenePanelFile(fnm string, column int) (*genePanel, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	panel := &genePanel{}
	err = panel.Load(f, column)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", fnm, err)
	}
	return panel, nil
}

func loadBarcodesFile(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '\t'); i >= 0 {
			line = line[:i]
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %s", fnm, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no barcodes", fnm)
	}
	return out, nil
}

type countTriple struct {
	gene  int32
	cell  int32
	count float32
}

func (cmd *importer) importMtx(lib *cellLibrary, label, mtxFile, featuresFile, barcodesFile string) error {
	panel, err := loadGenePanelFile(featuresFile, cmd.featureColumn)
	if err != nil {
		return err
	}
	barcodes, err := loadBarcodesFile(barcodesFile)
	if err != nil {
		return err
	}
	f, err := zopen(mtxFile)
	if err != nil {
		return err
	}
	defer f.Close()
	rdr := bufio.NewReaderSize(f, 1<<20)
	banner, err := rdr.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%s: %s", mtxFile, err)
	}
	if !strings.HasPrefix(banner, "%%MatrixMarket") || !strings.Contains(banner, "coordinate") {
		return fmt.Errorf("%s: not a MatrixMarket coordinate file", mtxFile)
	}
	var nrows, ncols, nnz int
	for {
		line, err := rdr.ReadString('\n')
		if err != nil {
			return fmt.Errorf("%s: %s", mtxFile, err)
		}
		if strings.HasPrefix(line, "%") {
			continue
		}
		_, err = fmt.Sscan(line, &nrows, &ncols, &nnz)
		if err != nil {
			return fmt.Errorf("%s: cannot parse size line %q: %s", mtxFile, strings.TrimSpace(line), err)
		}
		break
	}
	genesInRows := true
	if nrows == panel.Len() && ncols == len(barcodes) {
	} else if nrows == len(barcodes) && ncols == panel.Len() {
		genesInRows = false
		log.Printf("%s: %dx%d matrix has cells in rows, transposing", mtxFile, nrows, ncols)
	} else {
		return fmt.Errorf("%s: %dx%d matrix does not match %d features x %d barcodes", mtxFile, nrows, ncols, panel.Len(), len(barcodes))
	}
	log.Printf("%s: reading %d entries for %d genes x %d cells", mtxFile, nnz, panel.Len(), len(barcodes))

	cellGenes := make([][]int32, len(barcodes))
	cellCounts := make([][]float32, len(barcodes))
	ngenes, ncells := int32(panel.Len()), int32(len(barcodes))
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(rdr))
	p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		lines := data.([]string)
		out := make([]countTriple, 0, len(lines))
		for _, line := range lines {
			if line == "" || line[0] == '%' {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) != 3 {
				p.SetErr(fmt.Errorf("%s: cannot parse entry %q", mtxFile, line))
				return out
			}
			r, err := strconv.ParseInt(fields[0], 10, 32)
			if err != nil {
				p.SetErr(fmt.Errorf("%s: cannot parse entry %q: %s", mtxFile, line, err))
				return out
			}
			c, err := strconv.ParseInt(fields[1], 10, 32)
			if err != nil {
				p.SetErr(fmt.Errorf("%s: cannot parse entry %q: %s", mtxFile, line, err))
				return out
			}
			v, err := strconv.ParseFloat(fields[2], 32)
			if err != nil {
				p.SetErr(fmt.Errorf("%s: cannot parse entry %q: %s", mtxFile, line, err))
				return out
			}
			gene, cell := int32(r-1), int32(c-1)
			if !genesInRows {
				gene, cell = cell, gene
			}
			if gene < 0 || gene >= ngenes || cell < 0 || cell >= ncells {
				p.SetErr(fmt.Errorf("%s: entry %q out of range", mtxFile, line))
				return out
			}
			if v < 0 {
				p.SetErr(fmt.Errorf("%s: negative count in entry %q", mtxFile, line))
				return out
			}
			if v == 0 || float64(v) < cmd.minCount {
				continue
			}
			out = append(out, countTriple{gene: gene, cell: cell, count: float32(v)})
		}
		return out
	})))
	p.Add(pipeline.Ord(pipeline.Receive(func(_ int, data interface{}) interface{} {
		for _, t := range data.([]countTriple) {
			cellGenes[t.cell] = append(cellGenes[t.cell], t.gene)
			cellCounts[t.cell] = append(cellCounts[t.cell], t.count)
		}
		return nil
	})))
	p.Run()
	if err := p.Err(); err != nil {
		return err
	}
	return finishImport(lib, label, mtxFile, panel, barcodes, cellGenes, cellCounts)
}

// finishImport sorts each cell's entries by gene, sums duplicates,
// drops empty cells, and installs everything into lib.
func finishImport(lib *cellLibrary, label, fnm string, panel *genePanel, barcodes []string, cellGenes [][]int32, cellCounts [][]float32) error {
	err := lib.loadGenePanel(panel.Names())
	if err != nil {
		return err
	}
	cells := make([]CellExpression, 0, len(barcodes))
	empty := 0
	for i, barcode := range barcodes {
		genes, counts := cellGenes[i], cellCounts[i]
		if len(genes) == 0 {
			empty++
			continue
		}
		sort.Sort(geneCountSorter{genes: genes, counts: counts})
		j := 0
		for k := 1; k < len(genes); k++ {
			if genes[k] == genes[j] {
				counts[j] += counts[k]
			} else {
				j++
				genes[j], counts[j] = genes[k], counts[k]
			}
		}
		genes, counts = genes[:j+1], counts[:j+1]
		cells = append(cells, CellExpression{Barcode: barcode, Batch: label, Genes: genes, Counts: counts})
	}
	if empty > 0 {
		log.Warnf("%s: dropped %d cells with no counts above threshold", fnm, empty)
	}
	return lib.addCells(cells)
}

type geneCountSorter struct {
	genes  []int32
	counts []float32
}

func (s geneCountSorter) Len() int { return len(s.genes) }
func (s geneCountSorter) Less(i, j int) bool {
	return s.genes[i] < s.genes[j]
}
func (s geneCountSorter) Swap(i, j int) {
	s.genes[i], s.genes[j] = s.genes[j], s.genes[i]
	s.counts[i], s.counts[j] = s.counts[j], s.counts[i]
}

// importCSV reads a dense matrix: header row of labels, then one row
// per gene (or per cell with -cells-in-rows), first column holding
// the row's name.
func (cmd *importer) importCSV(lib *cellLibrary, label, fnm string) error {
	f, err := zopen(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	rdr := bufio.NewReaderSize(f, 1<<20)
	header, err := rdr.ReadString('\n')
	if err != nil {
		return fmt.Errorf("%s: %s", fnm, err)
	}
	labels := strings.Split(strings.TrimRight(header, "\r\n"), ",")
	if len(labels) < 2 {
		return fmt.Errorf("%s: header row has %d columns", fnm, len(labels))
	}
	labels = labels[1:]

	// cols holds the 0-based indexes of a row's nonzero columns:
	// gene IDs with -cells-in-rows, cell IDs otherwise.
	type denseRow struct {
		name   string
		cols   []int32
		counts []float32
	}
	parseRow := func(line string) (denseRow, error) {
		fields := strings.Split(strings.TrimRight(line, "\r\n"), ",")
		if len(fields) != len(labels)+1 {
			return denseRow{}, fmt.Errorf("%s: row %q has %d columns, expected %d", fnm, fields[0], len(fields), len(labels)+1)
		}
		row := denseRow{name: fields[0]}
		for i, field := range fields[1:] {
			v, err := strconv.ParseFloat(field, 32)
			if err != nil {
				return denseRow{}, fmt.Errorf("%s: row %q: %s", fnm, fields[0], err)
			}
			if v < 0 {
				return denseRow{}, fmt.Errorf("%s: row %q: negative count %g", fnm, fields[0], v)
			}
			if v > 0 && float64(v) >= cmd.minCount {
				row.cols = append(row.cols, int32(i))
				row.counts = append(row.counts, float32(v))
			}
		}
		return row, nil
	}

	var rows []denseRow
	var p pipeline.Pipeline
	p.Source(pipeline.NewScanner(rdr))
	p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		lines := data.([]string)
		out := make([]denseRow, 0, len(lines))
		for _, line := range lines {
			if strings.TrimRight(line, "\r\n") == "" {
				continue
			}
			row, err := parseRow(line)
			if err != nil {
				p.SetErr(err)
				return out
			}
			out = append(out, row)
		}
		return out
	})))
	p.Add(pipeline.Ord(pipeline.Receive(func(_ int, data interface{}) interface{} {
		rows = append(rows, data.([]denseRow)...)
		return nil
	})))
	p.Run()
	if err := p.Err(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s: no data rows", fnm)
	}

	if cmd.cellsInRows {
		// header = gene names, rows = cells
		panel := &genePanel{}
		names := make([][]byte, len(labels))
		for i, name := range labels {
			names[i] = []byte(name)
		}
		err := panel.setGenes(names)
		if err != nil {
			return fmt.Errorf("%s: %s", fnm, err)
		}
		barcodes := make([]string, len(rows))
		cellGenes := make([][]int32, len(rows))
		cellCounts := make([][]float32, len(rows))
		for i, row := range rows {
			barcodes[i] = row.name
			cellGenes[i] = row.cols
			cellCounts[i] = row.counts
		}
		return finishImport(lib, label, fnm, panel, barcodes, cellGenes, cellCounts)
	}
	// header = barcodes, rows = genes
	panel := &genePanel{}
	names := make([][]byte, len(rows))
	for i, row := range rows {
		names[i] = []byte(row.name)
	}
	err = panel.setGenes(names)
	if err != nil {
		return fmt.Errorf("%s: %s", fnm, err)
	}
	cellGenes := make([][]int32, len(labels))
	cellCounts := make([][]float32, len(labels))
	for g, row := range rows {
		for i, cell := range row.cols {
			cellGenes[cell] = append(cellGenes[cell], int32(g))
			cellCounts[cell] = append(cellCounts[cell], row.counts[i])
		}
	}
	return finishImport(lib, label, fnm, panel, labels, cellGenes, cellCounts)
}
