// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"
	"context"
	"os"

	"gopkg.in/check.v1"
)

type importSuite struct{}

var _ = check.Suite(&importSuite{})

func (s *importSuite) importFile(c *check.C, args ...string) *cellLibrary {
	out := c.MkDir() + "/library.gob"
	code := (&importer{}).RunCommand("lantern import", append([]string{"-local=true", "-o", out}, args...), bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
	c.Assert(code, check.Equals, 0)
	lib, err := loadLibrary(context.Background(), out, nil)
	c.Assert(err, check.IsNil)
	return lib
}

func (s *importSuite) TestDenseCSV(c *check.C) {
	lib := s.importFile(c, "testdata/dense.csv")
	c.Check(lib.panel.Names(), check.DeepEquals, [][]byte{
		[]byte("CD3D"), []byte("CD3E"), []byte("LYZ"), []byte("CD14"), []byte("MT-CO1"), []byte("ACTB"),
	})
	c.Check(lib.cells, check.DeepEquals, []CellExpression{
		{Barcode: "ACGTACGTACGTACGT-1", Batch: "dense", Genes: []int32{0, 1, 4, 5}, Counts: []float32{5, 3, 1, 8}},
		{Barcode: "CGTACGTACGTACGTA-1", Batch: "dense", Genes: []int32{2, 3, 4, 5}, Counts: []float32{7, 4, 1, 9}},
		{Barcode: "GTACGTACGTACGTAC-1", Batch: "dense", Genes: []int32{0, 1, 4, 5}, Counts: []float32{8, 6, 2, 10}},
		{Barcode: "TACGTACGTACGTACG-1", Batch: "dense", Genes: []int32{1, 2, 3, 4, 5}, Counts: []float32{1, 9, 5, 1, 11}},
	})
}

// The same data with one row per cell imports identically.
func (s *importSuite) TestDenseCSVCellsInRows(c *check.C) {
	genesInRows := s.importFile(c, "-batch-label=x", "testdata/dense.csv")
	cellsInRows := s.importFile(c, "-batch-label=x", "-cells-in-rows", "testdata/cells.csv")
	c.Check(cellsInRows.panel.Names(), check.DeepEquals, genesInRows.panel.Names())
	c.Check(cellsInRows.cells, check.DeepEquals, genesInRows.cells)
}

func (s *importSuite) TestMinCount(c *check.C) {
	lib := s.importFile(c, "-min-count=5", "testdata/dense.csv")
	c.Check(lib.cells, check.DeepEquals, []CellExpression{
		{Barcode: "ACGTACGTACGTACGT-1", Batch: "dense", Genes: []int32{0, 5}, Counts: []float32{5, 8}},
		{Barcode: "CGTACGTACGTACGTA-1", Batch: "dense", Genes: []int32{2, 5}, Counts: []float32{7, 9}},
		{Barcode: "GTACGTACGTACGTAC-1", Batch: "dense", Genes: []int32{0, 1, 5}, Counts: []float32{8, 6, 10}},
		{Barcode: "TACGTACGTACGTACG-1", Batch: "dense", Genes: []int32{2, 3, 5}, Counts: []float32{9, 5, 11}},
	})
}

func (s *importSuite) TestBareMtx(c *check.C) {
	fromDir := s.importFile(c, "testdata/batch1")
	bare := s.importFile(c,
		"-features", "testdata/batch1/features.tsv",
		"-barcodes", "testdata/batch1/barcodes.tsv",
		"testdata/batch1/matrix.mtx")
	c.Assert(bare.Len(), check.Equals, 24)
	c.Check(bare.panel.Names(), check.DeepEquals, fromDir.panel.Names())
	c.Check(bare.cells[0].Batch, check.Equals, "matrix")
	for i := range bare.cells {
		c.Check(bare.cells[i].Barcode, check.Equals, fromDir.cells[i].Barcode)
		c.Check(bare.cells[i].Genes, check.DeepEquals, fromDir.cells[i].Genes)
		c.Check(bare.cells[i].Counts, check.DeepEquals, fromDir.cells[i].Counts)
	}
}

func (s *importSuite) TestBareMtxNeedsSidecars(c *check.C) {
	stderr := &bytes.Buffer{}
	code := (&importer{}).RunCommand("lantern import", []string{"-local=true", "testdata/batch1/matrix.mtx"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*bare \.mtx input needs -features and -barcodes.*`)
}

func (s *importSuite) TestBatchLabelSingleInputOnly(c *check.C) {
	stderr := &bytes.Buffer{}
	code := (&importer{}).RunCommand("lantern import", []string{"-local=true", "-batch-label=x", "testdata/batch1", "testdata/batch2"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*cannot use -batch-label with more than one input.*`)
}

func (s *importSuite) TestUnknownInputType(c *check.C) {
	stderr := &bytes.Buffer{}
	code := (&importer{}).RunCommand("lantern import", []string{"-local=true", "testdata/markers.gmt"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*don't know how to import testdata/markers\.gmt.*`)
}

func (s *importSuite) TestBatchLabels(c *check.C) {
	lib := s.importFile(c, "testdata/batch1", "testdata/batch2")
	names, rows := lib.batches()
	c.Check(names, check.DeepEquals, []string{"batch1", "batch2"})
	c.Check(rows["batch1"], check.HasLen, 24)
	c.Check(rows["batch2"], check.HasLen, 24)
}
