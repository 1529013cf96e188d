// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"
	"fmt"

	"gopkg.in/check.v1"
)

type normalizeSuite struct{}

var _ = check.Suite(&normalizeSuite{})

func normtestLibrary(batches []string, totals []float32) *cellLibrary {
	lib := &cellLibrary{}
	panel := &genePanel{}
	err := panel.setGenes([][]byte{[]byte("G1")})
	if err != nil {
		panic(err)
	}
	lib.panel = panel
	for i, total := range totals {
		cell := CellExpression{
			Barcode: fmt.Sprintf("BC%02d", i),
			Batch:   batches[i],
		}
		if total > 0 {
			cell.Genes = []int32{0}
			cell.Counts = []float32{total}
		}
		lib.cells = append(lib.cells, cell)
	}
	return lib
}

func (s *normalizeSuite) TestLibsizeSingleBatch(c *check.C) {
	lib := normtestLibrary([]string{"A", "A", "A"}, []float32{10, 20, 30})
	cmd := &normalizer{method: "libsize", pseudocount: 1}
	err := cmd.normalize(lib)
	c.Assert(err, check.IsNil)
	c.Assert(lib.norm, check.NotNil)
	c.Check(lib.norm.Method, check.Equals, "libsize")
	c.Check(lib.norm.Pseudocount, check.Equals, 1.0)
	c.Check(lib.norm.SizeFactors, check.DeepEquals, []float64{0.5, 1, 1.5})
}

// Factors are centered within each batch, then batches are rescaled
// relative to the least-covered batch so deep batches get large
// factors.
func (s *normalizeSuite) TestLibsizeBatchRescale(c *check.C) {
	lib := normtestLibrary(
		[]string{"A", "A", "A", "B", "B", "B"},
		[]float32{10, 20, 30, 40, 40, 40})
	cmd := &normalizer{method: "libsize", pseudocount: 1}
	err := cmd.normalize(lib)
	c.Assert(err, check.IsNil)
	c.Check(lib.norm.SizeFactors, check.DeepEquals, []float64{0.5, 1, 1.5, 2, 2, 2})
}

func (s *normalizeSuite) TestRLEFactors(c *check.C) {
	lib := &cellLibrary{}
	panel := &genePanel{}
	err := panel.setGenes([][]byte{[]byte("G1"), []byte("G2"), []byte("G3")})
	c.Assert(err, check.IsNil)
	lib.panel = panel
	// G3 is missing from one cell, so only G1 and G2 contribute to
	// the reference. Per-gene geometric means are both 4, so the
	// median ratios are 0.5, 1, 2 before centering.
	lib.cells = []CellExpression{
		{Barcode: "BC0", Batch: "A", Genes: []int32{0, 1, 2}, Counts: []float32{2, 2, 9}},
		{Barcode: "BC1", Batch: "A", Genes: []int32{0, 1}, Counts: []float32{4, 4}},
		{Barcode: "BC2", Batch: "A", Genes: []int32{0, 1, 2}, Counts: []float32{8, 8, 1}},
	}
	cmd := &normalizer{method: "rle", pseudocount: 1}
	err = cmd.normalize(lib)
	c.Assert(err, check.IsNil)
	got := make([]string, len(lib.norm.SizeFactors))
	for i, f := range lib.norm.SizeFactors {
		got[i] = fmt.Sprintf("%.6f", f)
	}
	c.Check(got, check.DeepEquals, []string{"0.428571", "0.857143", "1.714286"})
}

func (s *normalizeSuite) TestRLENoCommonGenes(c *check.C) {
	lib := &cellLibrary{}
	panel := &genePanel{}
	err := panel.setGenes([][]byte{[]byte("G1"), []byte("G2")})
	c.Assert(err, check.IsNil)
	lib.panel = panel
	lib.cells = []CellExpression{
		{Barcode: "BC0", Batch: "A", Genes: []int32{0}, Counts: []float32{5}},
		{Barcode: "BC1", Batch: "A", Genes: []int32{1}, Counts: []float32{5}},
	}
	cmd := &normalizer{method: "rle", pseudocount: 1}
	err = cmd.normalize(lib)
	c.Check(err, check.ErrorMatches, `rle: no genes are detected in every cell.*`)
}

func (s *normalizeSuite) TestZeroCountCell(c *check.C) {
	lib := normtestLibrary([]string{"A", "A"}, []float32{10, 0})
	cmd := &normalizer{method: "libsize", pseudocount: 1}
	err := cmd.normalize(lib)
	c.Check(err, check.ErrorMatches, `cell "BC01" has zero counts \(run filter first\)`)
}

func (s *normalizeSuite) TestBadMethod(c *check.C) {
	stderr := &bytes.Buffer{}
	code := (&normalizer{}).RunCommand("lantern normalize", []string{"-local", "-method=quantile"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*unknown -method "quantile".*`)
}
