package lantern

import (
	"bufio"
	"encoding/gob"
	"io"
	_ "net/http/pprof"

	"github.com/klauspost/pgzip"
)

type geneID int32

// CellExpression is one cell's raw counts, sparse. Genes holds
// 0-based gene panel indexes in strictly increasing order; Counts
// holds the corresponding nonzero counts.
type CellExpression struct {
	Barcode string
	Batch   string
	Genes   []int32
	Counts  []float32
}

// NormParams records the size factors computed by the normalize
// command. Log-normalized expression is always derived on the fly as
// log1p(count/(factor*pseudocount)), so the library never stores a
// second copy of the matrix and zero entries stay zero.
type NormParams struct {
	Method      string // "libsize" or "rle"
	Pseudocount float64
	SizeFactors []float64
}

// CellAnnotation is a named per-cell string column (cluster IDs,
// transferred labels, batch tags added after import, ...). Values
// appear in library cell order.
type CellAnnotation struct {
	Name   string
	Values []string
}

// CellMatrix is a named dense per-cell matrix (PCA, corrected PCA,
// UMAP, gene set scores, ...). Rows appear in library cell order.
type CellMatrix struct {
	Name    string
	Columns []string
	Rows    [][]float32
}

// GeneSubset marks a named subset of the gene panel (highly variable
// genes, blacklisted genes) by panel index, ascending.
type GeneSubset struct {
	Name  string
	Genes []int32
}

// NeighborGraph is an exact k-nearest-neighbor graph over one of the
// stored per-cell matrices (Name says which one). Row i lists the
// neighbors of cell i in ascending distance order, excluding cell i
// itself. Graphs reference cells by row index, so they do not survive
// filtering or merging.
type NeighborGraph struct {
	Name      string
	K         int
	Neighbors [][]int32
	Distances [][]float32
}

type LibraryEntry struct {
	GenePanel   [][]byte
	Cells       []CellExpression
	Norm        []NormParams
	Subsets     []GeneSubset
	Annotations []CellAnnotation
	Matrices    []CellMatrix
	Graphs      []NeighborGraph
}

// DecodeLibrary decodes a library stream from rdr (decompressing if
// gz is true), calling cb on each entry.
func DecodeLibrary(rdr io.Reader, gz bool, cb func(*LibraryEntry) error) error {
	zrdr := rdr
	if gz {
		var err error
		zrdr, err = pgzip.NewReader(bufio.NewReaderSize(rdr, 1<<22))
		if err != nil {
			return err
		}
	}
	dec := gob.NewDecoder(bufio.NewReaderSize(zrdr, 1<<22))
	for {
		var ent LibraryEntry
		err := dec.Decode(&ent)
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		err = cb(&ent)
		if err != nil {
			return err
		}
	}
}
