package lantern

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

const cellsPerEntry = 512

// cellLibrary accumulates the contents of a library stream: the gene
// panel, per-cell expression, size factors, gene subsets, and any
// per-cell annotation columns and matrices added by earlier pipeline
// steps.
type cellLibrary struct {
	panel       *genePanel
	cells       []CellExpression
	norm        *NormParams
	subsets     map[string][]int32
	annotations map[string][]string
	matrices    map[string]*CellMatrix
	graphs      map[string]*NeighborGraph

	// if non-nil, write out cell entries as they are added
	encoder *gob.Encoder

	mtx sync.Mutex
}

func (lib *cellLibrary) Len() int {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	return len(lib.cells)
}

func cellKey(batch, barcode string) string {
	return batch + "\x00" + barcode
}

func (lib *cellLibrary) loadGenePanel(names [][]byte) error {
	if len(names) == 0 {
		return nil
	}
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.panel == nil || lib.panel.Len() == 0 {
		panel := &genePanel{}
		err := panel.setGenes(names)
		if err != nil {
			return err
		}
		lib.panel = panel
		if lib.encoder != nil {
			return lib.encoder.Encode(LibraryEntry{GenePanel: names})
		}
		return nil
	}
	other := &genePanel{}
	err := other.setGenes(names)
	if err != nil {
		return err
	}
	if other.Hash() != lib.panel.Hash() {
		return fmt.Errorf("cannot merge libraries with differing gene panels")
	}
	return nil
}

// addCells validates and appends cells, streaming them through
// lib.encoder if one is attached. The gene panel must be loaded
// first.
func (lib *cellLibrary) addCells(cells []CellExpression) error {
	if len(cells) == 0 {
		return nil
	}
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.panel.Len() == 0 {
		return fmt.Errorf("library stream has cell data before gene panel")
	}
	ngenes := int32(lib.panel.Len())
	for _, cell := range cells {
		if len(cell.Genes) != len(cell.Counts) {
			return fmt.Errorf("cell %q: %d gene indexes but %d counts", cell.Barcode, len(cell.Genes), len(cell.Counts))
		}
		last := int32(-1)
		for i, g := range cell.Genes {
			if g <= last || g >= ngenes {
				return fmt.Errorf("cell %q: gene index %d out of order or out of range", cell.Barcode, g)
			}
			last = g
			if !(cell.Counts[i] > 0) {
				return fmt.Errorf("cell %q: gene %d has non-positive count %v", cell.Barcode, g, cell.Counts[i])
			}
		}
	}
	lib.cells = append(lib.cells, cells...)
	if lib.encoder != nil {
		return lib.encoder.Encode(LibraryEntry{Cells: cells})
	}
	return nil
}

// checkBarcodes returns an error if any (batch, barcode) pair appears
// twice.
func (lib *cellLibrary) checkBarcodes() error {
	seen := make(map[string]bool, len(lib.cells))
	for _, cell := range lib.cells {
		key := cellKey(cell.Batch, cell.Barcode)
		if seen[key] {
			return fmt.Errorf("duplicate barcode %q in batch %q", cell.Barcode, cell.Batch)
		}
		seen[key] = true
	}
	return nil
}

func (lib *cellLibrary) loadNorm(norms []NormParams) error {
	if len(norms) == 0 {
		return nil
	}
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if len(norms) > 1 || lib.norm != nil {
		return fmt.Errorf("invalid input: contains multiple size factor entries")
	}
	norm := norms[0]
	if norm.Pseudocount <= 0 {
		norm.Pseudocount = 1
	}
	lib.norm = &NormParams{Method: norm.Method, Pseudocount: norm.Pseudocount, SizeFactors: norm.SizeFactors}
	return nil
}

func (lib *cellLibrary) loadSubsets(subsets []GeneSubset) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	for _, sub := range subsets {
		if lib.subsets == nil {
			lib.subsets = map[string][]int32{}
		}
		lib.subsets[sub.Name] = sub.Genes
	}
	return nil
}

func (lib *cellLibrary) loadAnnotations(annos []CellAnnotation) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	for _, anno := range annos {
		if lib.annotations == nil {
			lib.annotations = map[string][]string{}
		}
		lib.annotations[anno.Name] = anno.Values
	}
	return nil
}

func (lib *cellLibrary) loadMatrices(mtxs []CellMatrix) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	for i := range mtxs {
		m := mtxs[i]
		for _, row := range m.Rows {
			if len(row) != len(m.Rows[0]) {
				return fmt.Errorf("matrix %q has ragged rows", m.Name)
			}
		}
		if lib.matrices == nil {
			lib.matrices = map[string]*CellMatrix{}
		}
		lib.matrices[m.Name] = &m
	}
	return nil
}

func (lib *cellLibrary) loadGraphs(graphs []NeighborGraph) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	for i := range graphs {
		g := graphs[i]
		if len(g.Neighbors) != len(g.Distances) {
			return fmt.Errorf("graph %q has %d neighbor rows but %d distance rows", g.Name, len(g.Neighbors), len(g.Distances))
		}
		if lib.graphs == nil {
			lib.graphs = map[string]*NeighborGraph{}
		}
		lib.graphs[g.Name] = &g
	}
	return nil
}

// LoadGob decodes an entire library stream from rdr. lib must be
// empty; use absorb to combine libraries.
func (lib *cellLibrary) LoadGob(ctx context.Context, rdr io.Reader, gz bool) error {
	if len(lib.cells) > 0 {
		return fmt.Errorf("oops: LoadGob called on non-empty library")
	}
	err := DecodeLibrary(rdr, gz, func(ent *LibraryEntry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := lib.loadGenePanel(ent.GenePanel); err != nil {
			return err
		}
		if err := lib.addCells(ent.Cells); err != nil {
			return err
		}
		if err := lib.loadNorm(ent.Norm); err != nil {
			return err
		}
		if err := lib.loadSubsets(ent.Subsets); err != nil {
			return err
		}
		if err := lib.loadAnnotations(ent.Annotations); err != nil {
			return err
		}
		if err := lib.loadMatrices(ent.Matrices); err != nil {
			return err
		}
		return lib.loadGraphs(ent.Graphs)
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return lib.validate()
}

// validate checks that every per-cell structure matches the cell
// count.
func (lib *cellLibrary) validate() error {
	n := len(lib.cells)
	if lib.panel.Len() == 0 {
		return fmt.Errorf("library has no gene panel")
	}
	if err := lib.checkBarcodes(); err != nil {
		return err
	}
	if lib.norm != nil {
		if len(lib.norm.SizeFactors) != n {
			return fmt.Errorf("library has %d size factors for %d cells", len(lib.norm.SizeFactors), n)
		}
		for i, f := range lib.norm.SizeFactors {
			if !(f > 0) || math.IsInf(f, 0) {
				return fmt.Errorf("cell %q has invalid size factor %g", lib.cells[i].Barcode, f)
			}
		}
	}
	for name, values := range lib.annotations {
		if len(values) != n {
			return fmt.Errorf("annotation %q has %d values for %d cells", name, len(values), n)
		}
	}
	for name, m := range lib.matrices {
		if len(m.Rows) != n {
			return fmt.Errorf("matrix %q has %d rows for %d cells", name, len(m.Rows), n)
		}
	}
	for name, g := range lib.graphs {
		if len(g.Neighbors) != n {
			return fmt.Errorf("graph %q has %d rows for %d cells", name, len(g.Neighbors), n)
		}
	}
	return nil
}

// absorb appends other's cells to lib, checking gene panel
// compatibility and disambiguating colliding barcodes. Annotation
// columns are padded with empty values where one input lacks them;
// matrices, subsets, and size factors survive only if present in
// every input (they are positional and cheap to recompute).
func (lib *cellLibrary) absorb(other *cellLibrary) error {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.panel == nil || lib.panel.Len() == 0 {
		lib.panel = other.panel
		lib.cells = other.cells
		lib.norm = other.norm
		lib.subsets = other.subsets
		lib.annotations = other.annotations
		lib.matrices = other.matrices
		lib.graphs = other.graphs
		return nil
	}
	if other.panel.Hash() != lib.panel.Hash() {
		return fmt.Errorf("cannot merge libraries with differing gene panels")
	}
	nbefore := len(lib.cells)
	seen := make(map[string]bool, nbefore+len(other.cells))
	for _, cell := range lib.cells {
		seen[cellKey(cell.Batch, cell.Barcode)] = true
	}
	renamed := 0
	for _, cell := range other.cells {
		if seen[cellKey(cell.Batch, cell.Barcode)] {
			renamed++
			for n := 1; ; n++ {
				relabel := fmt.Sprintf("%s-%d", cell.Barcode, n)
				if !seen[cellKey(cell.Batch, relabel)] {
					cell.Barcode = relabel
					break
				}
			}
		}
		seen[cellKey(cell.Batch, cell.Barcode)] = true
		lib.cells = append(lib.cells, cell)
	}
	if renamed > 0 {
		log.Warnf("renamed %d colliding barcodes while merging", renamed)
	}

	if lib.norm != nil && other.norm != nil && lib.norm.Method == other.norm.Method {
		lib.norm.SizeFactors = append(lib.norm.SizeFactors, other.norm.SizeFactors...)
	} else if lib.norm != nil || other.norm != nil {
		log.Warn("dropping size factors while merging, renormalize the merged library")
		lib.norm = nil
	}
	if len(lib.subsets) > 0 || len(other.subsets) > 0 {
		log.Warn("dropping gene subsets while merging, recompute them on the merged library")
		lib.subsets = nil
	}

	for name, values := range lib.annotations {
		if ovalues, ok := other.annotations[name]; ok {
			lib.annotations[name] = append(values, ovalues...)
		} else {
			lib.annotations[name] = append(values, make([]string, len(other.cells))...)
		}
	}
	for name, ovalues := range other.annotations {
		if _, ok := lib.annotations[name]; !ok {
			if lib.annotations == nil {
				lib.annotations = map[string][]string{}
			}
			lib.annotations[name] = append(make([]string, nbefore), ovalues...)
		}
	}

	for name, m := range lib.matrices {
		om, ok := other.matrices[name]
		if !ok || len(om.Columns) != len(m.Columns) {
			log.Warnf("dropping matrix %q while merging, not present in all inputs", name)
			delete(lib.matrices, name)
			continue
		}
		m.Rows = append(m.Rows, om.Rows...)
	}
	if len(lib.graphs) > 0 || len(other.graphs) > 0 {
		log.Warn("dropping neighbor graphs while merging, rerun neighbors on the merged library")
		lib.graphs = nil
	}
	return nil
}

// WriteGob writes the library as a stream of entries: gene panel
// first, then cells in chunks, then size factors, subsets,
// annotations, matrices, and graphs.
func (lib *cellLibrary) WriteGob(w io.Writer) error {
	bufw := bufio.NewWriterSize(w, 1<<22)
	enc := gob.NewEncoder(bufw)
	err := enc.Encode(LibraryEntry{GenePanel: lib.panel.Names()})
	if err != nil {
		return err
	}
	for start := 0; start < len(lib.cells); start += cellsPerEntry {
		end := start + cellsPerEntry
		if end > len(lib.cells) {
			end = len(lib.cells)
		}
		err = enc.Encode(LibraryEntry{Cells: lib.cells[start:end]})
		if err != nil {
			return err
		}
	}
	if lib.norm != nil {
		err = enc.Encode(LibraryEntry{Norm: []NormParams{*lib.norm}})
		if err != nil {
			return err
		}
	}
	subsetNames := make([]string, 0, len(lib.subsets))
	for name := range lib.subsets {
		subsetNames = append(subsetNames, name)
	}
	sort.Strings(subsetNames)
	for _, name := range subsetNames {
		err = enc.Encode(LibraryEntry{Subsets: []GeneSubset{{Name: name, Genes: lib.subsets[name]}}})
		if err != nil {
			return err
		}
	}
	annoNames := make([]string, 0, len(lib.annotations))
	for name := range lib.annotations {
		annoNames = append(annoNames, name)
	}
	sort.Strings(annoNames)
	for _, name := range annoNames {
		err = enc.Encode(LibraryEntry{Annotations: []CellAnnotation{{Name: name, Values: lib.annotations[name]}}})
		if err != nil {
			return err
		}
	}
	matrixNames := make([]string, 0, len(lib.matrices))
	for name := range lib.matrices {
		matrixNames = append(matrixNames, name)
	}
	sort.Strings(matrixNames)
	for _, name := range matrixNames {
		err = enc.Encode(LibraryEntry{Matrices: []CellMatrix{*lib.matrices[name]}})
		if err != nil {
			return err
		}
	}
	graphNames := make([]string, 0, len(lib.graphs))
	for name := range lib.graphs {
		graphNames = append(graphNames, name)
	}
	sort.Strings(graphNames)
	for _, name := range graphNames {
		err = enc.Encode(LibraryEntry{Graphs: []NeighborGraph{*lib.graphs[name]}})
		if err != nil {
			return err
		}
	}
	return bufw.Flush()
}

func (lib *cellLibrary) setAnnotation(name string, values []string) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.annotations == nil {
		lib.annotations = map[string][]string{}
	}
	lib.annotations[name] = values
}

func (lib *cellLibrary) setMatrix(name string, columns []string, rows [][]float32) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.matrices == nil {
		lib.matrices = map[string]*CellMatrix{}
	}
	lib.matrices[name] = &CellMatrix{Name: name, Columns: columns, Rows: rows}
}

func (lib *cellLibrary) setSubset(name string, genes []int32) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.subsets == nil {
		lib.subsets = map[string][]int32{}
	}
	lib.subsets[name] = genes
}

func (lib *cellLibrary) setGraph(g *NeighborGraph) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	if lib.graphs == nil {
		lib.graphs = map[string]*NeighborGraph{}
	}
	lib.graphs[g.Name] = g
}

// requireMatrix returns the named matrix, or an error telling the
// operator which command to run first.
func (lib *cellLibrary) requireMatrix(name, producer string) (*CellMatrix, error) {
	if m, ok := lib.matrices[name]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("library has no %q matrix (run %s first)", name, producer)
}

// requireAnnotation is requireMatrix for annotation columns.
func (lib *cellLibrary) requireAnnotation(name, producer string) ([]string, error) {
	if values, ok := lib.annotations[name]; ok {
		return values, nil
	}
	return nil, fmt.Errorf("library has no %q annotation (run %s first)", name, producer)
}

func (lib *cellLibrary) requireNorm() (*NormParams, error) {
	if lib.norm != nil {
		return lib.norm, nil
	}
	return nil, fmt.Errorf("library has no size factors (run normalize first)")
}

// batches returns the distinct batch labels in order of first
// appearance, and the cell row indexes of each.
func (lib *cellLibrary) batches() ([]string, map[string][]int) {
	var names []string
	rows := map[string][]int{}
	for i, cell := range lib.cells {
		if _, ok := rows[cell.Batch]; !ok {
			names = append(names, cell.Batch)
		}
		rows[cell.Batch] = append(rows[cell.Batch], i)
	}
	return names, rows
}

// subsetCells keeps only the cells with keep[i]==true, dropping the
// corresponding rows from size factors, annotations, and matrices.
func (lib *cellLibrary) subsetCells(keep []bool) {
	lib.mtx.Lock()
	defer lib.mtx.Unlock()
	nkeep := 0
	for _, k := range keep {
		if k {
			nkeep++
		}
	}
	cells := make([]CellExpression, 0, nkeep)
	for i, k := range keep {
		if k {
			cells = append(cells, lib.cells[i])
		}
	}
	lib.cells = cells
	if lib.norm != nil {
		factors := make([]float64, 0, nkeep)
		for i, k := range keep {
			if k {
				factors = append(factors, lib.norm.SizeFactors[i])
			}
		}
		lib.norm.SizeFactors = factors
	}
	for name, values := range lib.annotations {
		out := make([]string, 0, nkeep)
		for i, k := range keep {
			if k {
				out = append(out, values[i])
			}
		}
		lib.annotations[name] = out
	}
	for _, m := range lib.matrices {
		out := make([][]float32, 0, nkeep)
		for i, k := range keep {
			if k {
				out = append(out, m.Rows[i])
			}
		}
		m.Rows = out
	}
	if len(lib.graphs) > 0 && nkeep != len(keep) {
		log.Warn("dropping neighbor graphs, rerun neighbors on the filtered library")
		lib.graphs = nil
	}
}

// genePos builds a panel-length lookup table mapping gene ID to its
// column in the given gene subset, -1 for genes outside the subset.
func genePos(panelLen int, genes []int32) []int32 {
	pos := make([]int32, panelLen)
	for i := range pos {
		pos[i] = -1
	}
	for col, g := range genes {
		pos[g] = int32(col)
	}
	return pos
}

// allGenes returns 0..n-1, the subset covering the whole panel.
func allGenes(n int) []int32 {
	genes := make([]int32, n)
	for i := range genes {
		genes[i] = int32(i)
	}
	return genes
}

// lognormInto fills out (length == number of subset columns) with the
// cell's log1p(count/(sizefactor*pseudocount)) values over the given
// position table, zeroing columns the cell does not express.
func (lib *cellLibrary) lognormInto(row int, pos []int32, out []float64) {
	for i := range out {
		out[i] = 0
	}
	divisor := lib.norm.SizeFactors[row] * lib.norm.Pseudocount
	cell := lib.cells[row]
	for i, g := range cell.Genes {
		if col := pos[g]; col >= 0 {
			out[col] = math.Log1p(float64(cell.Counts[i]) / divisor)
		}
	}
}

// lognormCSR builds a sparse cells x len(genes) matrix of
// log-normalized expression, optionally cosine-normalizing each row
// to unit length.
func (lib *cellLibrary) lognormCSR(genes []int32, cosine bool) (*sparse.CSR, error) {
	norm, err := lib.requireNorm()
	if err != nil {
		return nil, err
	}
	pos := genePos(lib.panel.Len(), genes)
	nnz := 0
	for _, cell := range lib.cells {
		for _, g := range cell.Genes {
			if pos[g] >= 0 {
				nnz++
			}
		}
	}
	ia := make([]int, len(lib.cells)+1)
	ja := make([]int, 0, nnz)
	data := make([]float64, 0, nnz)
	for row, cell := range lib.cells {
		rowstart := len(data)
		divisor := norm.SizeFactors[row] * norm.Pseudocount
		for i, g := range cell.Genes {
			if col := pos[g]; col >= 0 {
				ja = append(ja, int(col))
				data = append(data, math.Log1p(float64(cell.Counts[i])/divisor))
			}
		}
		if cosine {
			ss := 0.0
			for _, v := range data[rowstart:] {
				ss += v * v
			}
			if ss > 0 {
				scale := 1 / math.Sqrt(ss)
				for i := rowstart; i < len(data); i++ {
					data[i] *= scale
				}
			}
		}
		ia[row+1] = len(data)
	}
	return sparse.NewCSR(len(lib.cells), len(genes), ia, ja, data), nil
}

// countsPerCell returns each cell's total count.
func (lib *cellLibrary) countsPerCell() []float64 {
	totals := make([]float64, len(lib.cells))
	for i, cell := range lib.cells {
		sum := 0.0
		for _, c := range cell.Counts {
			sum += float64(c)
		}
		totals[i] = sum
	}
	return totals
}

// loadLibrary reads one library file ("-" for stdin) into memory.
func loadLibrary(ctx context.Context, fnm string, stdin io.Reader) (*cellLibrary, error) {
	var lib cellLibrary
	if fnm == "-" {
		err := lib.LoadGob(ctx, stdin, false)
		if err != nil {
			return nil, err
		}
		return &lib, nil
	}
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.Infof("reading %s", fnm)
	err = lib.LoadGob(ctx, f, false)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", fnm, err)
	}
	return &lib, nil
}

// Save writes the library to the named file ("-" for stdout),
// compressing the stream if fnm ends with ".gz".
func (lib *cellLibrary) Save(fnm string, stdout io.Writer) error {
	var output io.WriteCloser
	if fnm == "-" {
		output = nopCloser{stdout}
	} else {
		var err error
		output, err = os.OpenFile(fnm, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
		if err != nil {
			return err
		}
	}
	w := io.Writer(output)
	var zw *pgzip.Writer
	if strings.HasSuffix(fnm, ".gz") {
		zw = pgzip.NewWriter(output)
		w = zw
	}
	err := lib.WriteGob(w)
	if err != nil {
		output.Close()
		return err
	}
	if zw != nil {
		err = zw.Close()
		if err != nil {
			output.Close()
			return err
		}
	}
	return output.Close()
}
