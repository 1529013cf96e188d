package lantern

import (
	"math"

	"gopkg.in/check.v1"
)

type umapSuite struct{}

var _ = check.Suite(&umapSuite{})

// The curve fit for the default min-dist and spread lands near the
// canonical a=1.577, b=0.8951.
func (s *umapSuite) TestFitCurveParams(c *check.C) {
	a, b := fitCurveParams(0.1, 1)
	c.Check(a > 1.2 && a < 2.0, check.Equals, true, check.Commentf("a=%v", a))
	c.Check(b > 0.7 && b < 1.1, check.Equals, true, check.Commentf("b=%v", b))
}

func (s *umapSuite) TestEmbedding(c *check.C) {
	lib := testLibrary()
	rows := make([][]float32, 12)
	for i := range rows {
		x := float32(i) * 0.01
		if i >= 6 {
			rows[i] = []float32{10 + x, 10}
		} else {
			rows[i] = []float32{x, 0}
		}
	}
	lib.setMatrix("pca", []string{"PC1", "PC2"}, rows)
	cmd := &umapcmd{dims: 2, neighbors: 3, minDist: 0.1, spread: 1, epochs: 50, negSamples: 5, learningRate: 1, seed: 1}
	err := cmd.umap(lib)
	c.Assert(err, check.IsNil)
	m := lib.matrices["umap"]
	c.Assert(m, check.NotNil)
	c.Check(m.Columns, check.DeepEquals, []string{"UMAP1", "UMAP2"})
	c.Assert(m.Rows, check.HasLen, 12)
	distinct := map[float32]bool{}
	for i, row := range m.Rows {
		c.Assert(row, check.HasLen, 2)
		for _, v := range row {
			c.Check(math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), check.Equals, false, check.Commentf("row %d: %v", i, row))
		}
		distinct[row[0]] = true
	}
	c.Check(len(distinct) > 1, check.Equals, true)
	// The neighbor graph was built on demand.
	c.Check(lib.graphs["pca"], check.NotNil)
}

func (s *umapSuite) TestTooFewCells(c *check.C) {
	lib := neighborsTestLibrary()
	cmd := &umapcmd{dims: 3, neighbors: 2, minDist: 0.1, spread: 1, epochs: 10, negSamples: 5, learningRate: 1, seed: 1}
	err := cmd.umap(lib)
	c.Check(err, check.ErrorMatches, "cannot embed 4 cells in 3 dimensions")
}

func (s *umapSuite) TestSourceTooNarrow(c *check.C) {
	lib := neighborsTestLibrary()
	cmd := &umapcmd{dims: 2, neighbors: 2, minDist: 0.1, spread: 1, epochs: 10, negSamples: 5, learningRate: 1, seed: 1}
	err := cmd.umap(lib)
	c.Check(err, check.ErrorMatches, `matrix "pca" has 1 columns, need 2 to initialize the embedding`)
}

func (s *umapSuite) TestFuzzyUnion(c *check.C) {
	g := &NeighborGraph{
		Name: "pca",
		K:    1,
		Neighbors: [][]int32{
			{1}, {0}, {0},
		},
		Distances: [][]float32{
			{1}, {1}, {2},
		},
	}
	heads, tails, weights := fuzzyUnion(g, 1)
	c.Assert(heads, check.HasLen, 2)
	c.Assert(tails, check.HasLen, len(heads))
	c.Assert(weights, check.HasLen, len(heads))
	got := map[[2]int32]float64{}
	for i := range heads {
		lo, hi := heads[i], tails[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		got[[2]int32{lo, hi}] = weights[i]
	}
	// With one neighbor each membership strength is 1: the mutual
	// 0-1 edge unions to 1, and the one-way 2->0 edge stays 1.
	c.Check(got[[2]int32{0, 1}], check.Equals, 1.0)
	c.Check(got[[2]int32{0, 2}], check.Equals, 1.0)
}
