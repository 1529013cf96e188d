// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bytes"

	"github.com/wcharczuk/go-chart/v2/drawing"
	"gopkg.in/check.v1"
)

type plotSuite struct{}

var _ = check.Suite(&plotSuite{})

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func (s *plotSuite) TestCategoricalPNG(c *check.C) {
	var buf bytes.Buffer
	cmd := &plotcmd{matrixName: "pca", colorBy: "celltype", width: 400, height: 300}
	err := cmd.plot(fullTestLibrary(), &buf)
	c.Assert(err, check.IsNil)
	c.Assert(buf.Len() > len(pngMagic), check.Equals, true)
	c.Check(buf.Bytes()[:len(pngMagic)], check.DeepEquals, pngMagic)
}

func (s *plotSuite) TestContinuousPNG(c *check.C) {
	var buf bytes.Buffer
	cmd := &plotcmd{matrixName: "pca", colorBy: "pca.PC2", width: 400, height: 300}
	err := cmd.plot(fullTestLibrary(), &buf)
	c.Assert(err, check.IsNil)
	c.Check(buf.Bytes()[:len(pngMagic)], check.DeepEquals, pngMagic)
}

func (s *plotSuite) TestColorValues(c *check.C) {
	lib := fullTestLibrary()

	labels, scores, err := (&plotcmd{colorBy: "batch"}).colorValues(lib)
	c.Assert(err, check.IsNil)
	c.Check(scores, check.IsNil)
	c.Check(labels[0], check.Equals, "A")
	c.Check(labels[11], check.Equals, "B")

	labels, scores, err = (&plotcmd{colorBy: "celltype"}).colorValues(lib)
	c.Assert(err, check.IsNil)
	c.Check(scores, check.IsNil)
	c.Check(labels, check.DeepEquals, testLibraryTypes())

	labels, scores, err = (&plotcmd{colorBy: "pca.PC2"}).colorValues(lib)
	c.Assert(err, check.IsNil)
	c.Check(labels, check.IsNil)
	c.Assert(scores, check.HasLen, 12)
	c.Check(scores[0], check.Equals, 0.0)
	c.Check(scores[11], check.Equals, -11.0)

	// A single-column matrix can be named without the column suffix.
	rows := make([][]float32, 12)
	for i := range rows {
		rows[i] = []float32{float32(i)}
	}
	lib.setMatrix("score", []string{"S"}, rows)
	_, scores, err = (&plotcmd{colorBy: "score"}).colorValues(lib)
	c.Assert(err, check.IsNil)
	c.Check(scores[3], check.Equals, 3.0)

	_, _, err = (&plotcmd{colorBy: "height"}).colorValues(lib)
	c.Check(err, check.ErrorMatches, `library has no "height" annotation or matrix column`)
}

func (s *plotSuite) TestMissingEmbedding(c *check.C) {
	var buf bytes.Buffer
	cmd := &plotcmd{matrixName: "umap", colorBy: "batch", width: 400, height: 300}
	err := cmd.plot(testLibrary(), &buf)
	c.Check(err, check.ErrorMatches, `library has no "umap" matrix \(run umap first\)`)
}

func (s *plotSuite) TestNeedsTwoColumns(c *check.C) {
	lib := testLibrary()
	rows := make([][]float32, 12)
	for i := range rows {
		rows[i] = []float32{float32(i)}
	}
	lib.setMatrix("umap", []string{"UMAP1"}, rows)
	var buf bytes.Buffer
	cmd := &plotcmd{matrixName: "umap", colorBy: "batch", width: 400, height: 300}
	err := cmd.plot(lib, &buf)
	c.Check(err, check.ErrorMatches, `matrix "umap" has 1 columns, need at least 2 to plot`)
}

func (s *plotSuite) TestGradientColor(c *check.C) {
	c.Check(gradientColor(0), check.Equals, drawing.Color{R: 68, G: 1, B: 84, A: 255})
	c.Check(gradientColor(-5), check.Equals, drawing.Color{R: 68, G: 1, B: 84, A: 255})
	c.Check(gradientColor(0.5), check.Equals, drawing.Color{R: 33, G: 145, B: 140, A: 255})
	c.Check(gradientColor(1), check.Equals, drawing.Color{R: 253, G: 231, B: 37, A: 255})
	c.Check(gradientColor(2), check.Equals, drawing.Color{R: 253, G: 231, B: 37, A: 255})
}

func (s *plotSuite) TestRunCommandValidation(c *check.C) {
	var stderr bytes.Buffer
	exited := (&plotcmd{}).RunCommand("plot", []string{
		"-local=true", "-width=50", "-o", "plot.png",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*too small to plot.*`)

	stderr.Reset()
	exited = (&plotcmd{}).RunCommand("plot", []string{
		"-local=true",
	}, &bytes.Buffer{}, &bytes.Buffer{}, &stderr)
	c.Check(exited, check.Equals, 1)
	c.Check(stderr.String(), check.Equals, "error: must specify -o filename.png in local mode (or try -help)\n")
}
