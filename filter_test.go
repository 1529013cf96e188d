// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"
	"context"

	"gopkg.in/check.v1"
)

type filterSuite struct{}

var _ = check.Suite(&filterSuite{})

func filterTestLibrary() *cellLibrary {
	panel := &genePanel{}
	if err := panel.setGenes([][]byte{[]byte("MT-CO1"), []byte("G1"), []byte("G2"), []byte("G3")}); err != nil {
		panic(err)
	}
	return &cellLibrary{
		panel: panel,
		cells: []CellExpression{
			{Barcode: "good1", Batch: "A", Genes: []int32{1, 2, 3}, Counts: []float32{5, 5, 5}},
			{Barcode: "good2", Batch: "A", Genes: []int32{0, 1, 2, 3}, Counts: []float32{1, 5, 5, 4}},
			{Barcode: "fewgenes", Batch: "A", Genes: []int32{1}, Counts: []float32{50}},
			{Barcode: "lowcount", Batch: "A", Genes: []int32{1, 2, 3}, Counts: []float32{1, 1, 1}},
			{Barcode: "highcount", Batch: "A", Genes: []int32{1, 2, 3}, Counts: []float32{50, 50, 50}},
			{Barcode: "mito", Batch: "A", Genes: []int32{0, 1, 2}, Counts: []float32{10, 2, 3}},
		},
	}
}

func (s *filterSuite) TestQCDrops(c *check.C) {
	lib := filterTestLibrary()
	f := &qcFilter{MinGenes: 2, MinCounts: 5, MaxCounts: 100, MaxMito: 0.5, MitoPrefix: "MT-"}
	c.Assert(f.Apply(lib), check.IsNil)
	var kept []string
	for _, cell := range lib.cells {
		kept = append(kept, cell.Barcode)
	}
	c.Check(kept, check.DeepEquals, []string{"good1", "good2"})
}

func (s *filterSuite) TestMaxMitoDisabled(c *check.C) {
	// MaxMito of 1 means no mito filter, so the high-mito cell stays.
	lib := filterTestLibrary()
	f := &qcFilter{MinGenes: 2, MinCounts: 5, MaxCounts: 100, MaxMito: 1, MitoPrefix: "MT-"}
	c.Assert(f.Apply(lib), check.IsNil)
	c.Check(lib.Len(), check.Equals, 3)
	c.Check(lib.cells[2].Barcode, check.Equals, "mito")
}

func (s *filterSuite) TestMinCellsZeroesRareGenes(c *check.C) {
	panel := &genePanel{}
	c.Assert(panel.setGenes([][]byte{[]byte("G1"), []byte("G2"), []byte("G3"), []byte("G4")}), check.IsNil)
	lib := &cellLibrary{
		panel: panel,
		cells: []CellExpression{
			{Barcode: "c0", Batch: "A", Genes: []int32{0}, Counts: []float32{5}},
			{Barcode: "c1", Batch: "A", Genes: []int32{0, 1}, Counts: []float32{5, 2}},
			{Barcode: "c2", Batch: "A", Genes: []int32{0, 1}, Counts: []float32{5, 2}},
			{Barcode: "c3", Batch: "A", Genes: []int32{0, 3}, Counts: []float32{5, 7}},
		},
	}
	f := &qcFilter{MaxMito: 1, MinCells: 2}
	c.Assert(f.Apply(lib), check.IsNil)
	c.Assert(lib.Len(), check.Equals, 4)
	// G4 is only detected in c3, so it is zeroed out; G2 is in two
	// cells and survives.
	c.Check(lib.cells[3].Genes, check.DeepEquals, []int32{0})
	c.Check(lib.cells[3].Counts, check.DeepEquals, []float32{5})
	c.Check(lib.cells[1].Genes, check.DeepEquals, []int32{0, 1})
}

func (s *filterSuite) TestMinCellsDropsEmptiedCells(c *check.C) {
	panel := &genePanel{}
	c.Assert(panel.setGenes([][]byte{[]byte("A"), []byte("B")}), check.IsNil)
	lib := &cellLibrary{
		panel: panel,
		cells: []CellExpression{
			{Barcode: "c0", Batch: "A", Genes: []int32{0}, Counts: []float32{5}},
			{Barcode: "c1", Batch: "A", Genes: []int32{0}, Counts: []float32{5}},
			{Barcode: "c2", Batch: "A", Genes: []int32{0}, Counts: []float32{5}},
			{Barcode: "c3", Batch: "A", Genes: []int32{1}, Counts: []float32{4}},
		},
	}
	f := &qcFilter{MaxMito: 1, MinCells: 2}
	c.Assert(f.Apply(lib), check.IsNil)
	c.Assert(lib.Len(), check.Equals, 3)
	for _, cell := range lib.cells {
		c.Check(cell.Genes, check.DeepEquals, []int32{0})
	}
}

func (s *filterSuite) TestDropGenes(c *check.C) {
	lib := testLibrary()
	f := &qcFilter{MaxMito: 1, DropGenes: "^(G1|HK)$"}
	c.Assert(f.Apply(lib), check.IsNil)
	c.Check(lib.subsets["blacklist"], check.DeepEquals, []int32{0, 4})

	err := (&qcFilter{MaxMito: 1, DropGenes: "("}).Apply(testLibrary())
	c.Check(err, check.ErrorMatches, `-drop-genes: .*`)
}

func (s *filterSuite) TestNoCellsPass(c *check.C) {
	lib := filterTestLibrary()
	err := (&qcFilter{MinGenes: 100, MaxMito: 1}).Apply(lib)
	c.Check(err, check.ErrorMatches, `no cells pass filters`)
}

func (s *filterSuite) TestRunCommand(c *check.C) {
	tmpdir := c.MkDir()
	c.Assert(testLibrary().Save(tmpdir+"/library.gob", nil), check.IsNil)

	var stderr bytes.Buffer
	exited := (&filtercmd{}).RunCommand("filter", []string{
		"-local=true",
		"-min-genes=0",
		"-min-counts=0",
		"-min-cells=0",
		"-drop-genes=^(G1|HK)$",
		"-i", tmpdir + "/library.gob",
		"-o", tmpdir + "/out.gob",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	lib, err := loadLibrary(context.Background(), tmpdir+"/out.gob", nil)
	c.Assert(err, check.IsNil)
	c.Check(lib.Len(), check.Equals, 12)
	c.Check(lib.subsets["blacklist"], check.DeepEquals, []int32{0, 4})
}
