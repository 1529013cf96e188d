// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"
	"math"

	"gopkg.in/check.v1"
)

type hvgSuite struct{}

var _ = check.Suite(&hvgSuite{})

// hvgTestLibrary has eight background genes whose means spread out
// along the trend with small variance, plus two spike genes in the
// middle of the mean range with far larger variance. SPIKE1 varies
// more than SPIKE2.
func hvgTestLibrary() *cellLibrary {
	lib := &cellLibrary{}
	panel := &genePanel{}
	err := panel.setGenes([][]byte{
		[]byte("B1"), []byte("B2"), []byte("B3"), []byte("B4"),
		[]byte("B5"), []byte("B6"), []byte("B7"), []byte("B8"),
		[]byte("SPIKE2"), []byte("SPIKE1"),
	})
	if err != nil {
		panic(err)
	}
	lib.panel = panel
	for i := 0; i < 4; i++ {
		cell := CellExpression{
			Barcode: []string{"BC0", "BC1", "BC2", "BC3"}[i],
			Batch:   "A",
			Genes:   []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		}
		if i%2 == 0 {
			cell.Counts = []float32{2, 3, 4, 5, 6, 7, 8, 9, 2, 1}
		} else {
			cell.Counts = []float32{3, 4, 5, 6, 7, 8, 9, 10, 10, 12}
		}
		lib.cells = append(lib.cells, cell)
	}
	lib.norm = &NormParams{Method: "libsize", Pseudocount: 1, SizeFactors: []float64{1, 1, 1, 1}}
	return lib
}

func (s *hvgSuite) TestSpikeGenes(c *check.C) {
	lib := hvgTestLibrary()
	cmd := &hvgcmd{top: 2, span: 1}
	table, err := cmd.modelVariance(lib)
	c.Assert(err, check.IsNil)
	c.Check(lib.subsets["hvg"], check.DeepEquals, []int32{8, 9})
	c.Assert(table, check.HasLen, 10)
	c.Check(table[9].Gene, check.Equals, "SPIKE1")
	c.Check(table[9].HVG, check.Equals, true)
	c.Check(table[8].HVG, check.Equals, true)
	c.Check(table[0].HVG, check.Equals, false)
}

func (s *hvgSuite) TestTopRanking(c *check.C) {
	lib := hvgTestLibrary()
	cmd := &hvgcmd{top: 1, span: 1}
	_, err := cmd.modelVariance(lib)
	c.Assert(err, check.IsNil)
	c.Check(lib.subsets["hvg"], check.DeepEquals, []int32{9})
}

func (s *hvgSuite) TestBlacklistExcluded(c *check.C) {
	lib := hvgTestLibrary()
	lib.setSubset("blacklist", []int32{9})
	cmd := &hvgcmd{top: 1, span: 1}
	table, err := cmd.modelVariance(lib)
	c.Assert(err, check.IsNil)
	c.Check(lib.subsets["hvg"], check.DeepEquals, []int32{8})
	c.Check(table[9].HVG, check.Equals, false)
	// Blacklisted genes are not candidates, so no trend is fitted
	// for them.
	c.Check(math.IsNaN(table[9].Trend), check.Equals, true)
}

func (s *hvgSuite) TestTableMoments(c *check.C) {
	lib := hvgTestLibrary()
	cmd := &hvgcmd{top: 2, span: 1}
	table, err := cmd.modelVariance(lib)
	c.Assert(err, check.IsNil)
	v1, v2 := math.Log1p(2), math.Log1p(3)
	wantMean := (v1 + v2) / 2
	wantVar := (2*v1*v1 + 2*v2*v2 - 4*wantMean*wantMean) / 3
	c.Check(math.Abs(table[0].Mean-wantMean) < 1e-12, check.Equals, true, check.Commentf("got mean %v", table[0].Mean))
	c.Check(math.Abs(table[0].Variance-wantVar) < 1e-12, check.Equals, true, check.Commentf("got variance %v", table[0].Variance))
}

func (s *hvgSuite) TestTooFewCells(c *check.C) {
	lib := hvgTestLibrary()
	lib.subsetCells([]bool{true, false, false, false})
	cmd := &hvgcmd{top: 1, span: 1}
	_, err := cmd.modelVariance(lib)
	c.Check(err, check.ErrorMatches, "need at least 2 cells to model variance")
}

func (s *hvgSuite) TestNoVariableGenes(c *check.C) {
	lib := &cellLibrary{}
	panel := &genePanel{}
	err := panel.setGenes([][]byte{[]byte("G1"), []byte("G2")})
	c.Assert(err, check.IsNil)
	lib.panel = panel
	lib.cells = []CellExpression{
		{Barcode: "BC0", Batch: "A", Genes: []int32{0, 1}, Counts: []float32{3, 7}},
		{Barcode: "BC1", Batch: "A", Genes: []int32{0, 1}, Counts: []float32{3, 7}},
	}
	lib.norm = &NormParams{Method: "libsize", Pseudocount: 1, SizeFactors: []float64{1, 1}}
	cmd := &hvgcmd{top: 1, span: 1}
	_, err = cmd.modelVariance(lib)
	c.Check(err, check.ErrorMatches, "fewer than 2 genes have nonzero variance")
}

func (s *hvgSuite) TestFlagValidation(c *check.C) {
	stderr := &bytes.Buffer{}
	code := (&hvgcmd{}).RunCommand("lantern hvg", []string{"-local", "-top=0"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-top=0 is not a gene count.*`)

	stderr.Reset()
	code = (&hvgcmd{}).RunCommand("lantern hvg", []string{"-local", "-span=1.5"}, bytes.NewReader(nil), &bytes.Buffer{}, stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*-span=1.5 is outside \(0,1].*`)
}
