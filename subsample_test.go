// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"
	"context"
	"strconv"

	"gopkg.in/check.v1"
)

type subsampleSuite struct{}

var _ = check.Suite(&subsampleSuite{})

func (s *subsampleSuite) TestProportion(c *check.C) {
	lib := testLibrary()
	(&subsampler{perBatch: 0.5, seed: 1}).subsample(lib)
	c.Assert(lib.Len(), check.Equals, 6)
	names, byBatch := lib.batches()
	c.Check(names, check.DeepEquals, []string{"A", "B"})
	c.Check(byBatch["A"], check.HasLen, 3)
	c.Check(byBatch["B"], check.HasLen, 3)
	c.Check(lib.norm.SizeFactors, check.HasLen, 6)
}

func (s *subsampleSuite) TestCellCount(c *check.C) {
	lib := testLibrary()
	(&subsampler{perBatch: 4, seed: 1}).subsample(lib)
	c.Assert(lib.Len(), check.Equals, 8)
	_, byBatch := lib.batches()
	c.Check(byBatch["A"], check.HasLen, 4)
	c.Check(byBatch["B"], check.HasLen, 4)
}

func (s *subsampleSuite) TestKeepEverything(c *check.C) {
	// A proportion of 1 keeps every cell, so nothing positional is
	// invalidated and the neighbor graphs survive.
	lib := fullTestLibrary()
	(&subsampler{perBatch: 1, seed: 1}).subsample(lib)
	c.Check(lib.Len(), check.Equals, 12)
	c.Check(lib.graphs["pca"], check.NotNil)
	c.Check(lib.annotations["celltype"], check.DeepEquals, testLibraryTypes())

	lib = fullTestLibrary()
	(&subsampler{perBatch: 100, seed: 1}).subsample(lib)
	c.Check(lib.Len(), check.Equals, 12)
}

func (s *subsampleSuite) TestSeedDeterminism(c *check.C) {
	barcodes := func(seed int64) []string {
		lib := testLibrary()
		(&subsampler{perBatch: 0.5, seed: seed}).subsample(lib)
		var got []string
		for _, cell := range lib.cells {
			got = append(got, cell.Barcode)
		}
		return got
	}
	c.Check(barcodes(42), check.DeepEquals, barcodes(42))
}

func (s *subsampleSuite) TestRowsStayAligned(c *check.C) {
	tmpdir := c.MkDir()
	c.Assert(fullTestLibrary().Save(tmpdir+"/library.gob", nil), check.IsNil)

	var stderr bytes.Buffer
	exited := (&subsampler{}).RunCommand("subsample", []string{
		"-local=true",
		"-per-batch=0.5",
		"-random-seed=1",
		"-i", tmpdir + "/library.gob",
		"-o", tmpdir + "/sub.gob",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Assert(exited, check.Equals, 0, check.Commentf("%s", stderr.String()))

	lib, err := loadLibrary(context.Background(), tmpdir+"/sub.gob", nil)
	c.Assert(err, check.IsNil)
	c.Assert(lib.Len(), check.Equals, 6)
	c.Check(lib.graphs, check.HasLen, 0)
	for i, cell := range lib.cells {
		// The test barcodes encode the original row number, so we
		// can verify each kept cell still lines up with its own
		// annotation, size factor, and matrix row.
		row, err := strconv.Atoi(cell.Barcode[2:])
		c.Assert(err, check.IsNil)
		want := "Y"
		if row%6 < 3 {
			want = "X"
		}
		c.Check(lib.annotations["celltype"][i], check.Equals, want)
		c.Check(lib.matrices["pca"].Rows[i], check.DeepEquals, []float32{float32(row), float32(-row)})
		c.Check(lib.norm.SizeFactors[i], check.Equals, 1.0)
	}
}

func (s *subsampleSuite) TestFlagValidation(c *check.C) {
	for _, arg := range []string{"-per-batch=0", "-per-batch=-2"} {
		var stderr bytes.Buffer
		exited := (&subsampler{}).RunCommand("subsample", []string{"-local=true", arg}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
		c.Check(exited, check.Equals, 2)
		c.Check(stderr.String(), check.Matches, `(?ms).*is not a cell count or proportion.*`)
	}
}
