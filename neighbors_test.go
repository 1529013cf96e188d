package lantern

import (
	"gopkg.in/check.v1"
)

type neighborsSuite struct{}

var _ = check.Suite(&neighborsSuite{})

// neighborsTestLibrary has four cells on a line at 0, 1, 3, and 10.
func neighborsTestLibrary() *cellLibrary {
	lib := testLibrary()
	lib.subsetCells([]bool{true, true, true, true, false, false, false, false, false, false, false, false})
	lib.setMatrix("pca", []string{"PC1"}, [][]float32{{0}, {1}, {3}, {10}})
	return lib
}

func (s *neighborsSuite) TestExactNeighbors(c *check.C) {
	lib := neighborsTestLibrary()
	g, err := buildNeighborGraph(lib, "", 2)
	c.Assert(err, check.IsNil)
	c.Check(g.Name, check.Equals, "pca")
	c.Check(g.K, check.Equals, 2)
	c.Check(g.Neighbors, check.DeepEquals, [][]int32{
		{1, 2}, {0, 2}, {1, 0}, {2, 1},
	})
	c.Check(g.Distances, check.DeepEquals, [][]float32{
		{1, 3}, {1, 2}, {2, 3}, {7, 9},
	})
	c.Check(lib.graphs["pca"], check.Equals, g)
}

func (s *neighborsSuite) TestClampK(c *check.C) {
	lib := neighborsTestLibrary()
	g, err := buildNeighborGraph(lib, "", 10)
	c.Assert(err, check.IsNil)
	c.Check(g.K, check.Equals, 3)
	for i, nbrs := range g.Neighbors {
		c.Check(nbrs, check.HasLen, 3, check.Commentf("row %d", i))
	}
}

func (s *neighborsSuite) TestNotEnoughCells(c *check.C) {
	lib := neighborsTestLibrary()
	lib.subsetCells([]bool{true, false, false, false})
	_, err := buildNeighborGraph(lib, "", 2)
	c.Check(err, check.ErrorMatches, "not enough cells to build a neighbor graph")
}

func (s *neighborsSuite) TestPickEmbedding(c *check.C) {
	lib := testLibrary()
	_, err := pickEmbedding(lib, "")
	c.Check(err, check.ErrorMatches, `library has no "mnn" or "pca" matrix \(run pca or integrate first\)`)
	_, err = pickEmbedding(lib, "foo")
	c.Check(err, check.ErrorMatches, `library has no "foo" matrix \(run pca or integrate first\)`)

	rows := make([][]float32, 12)
	for i := range rows {
		rows[i] = []float32{float32(i)}
	}
	lib.setMatrix("pca", []string{"PC1"}, rows)
	m, err := pickEmbedding(lib, "")
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "pca")

	lib.setMatrix("mnn", []string{"MNN1"}, rows)
	m, err = pickEmbedding(lib, "")
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "mnn")

	m, err = pickEmbedding(lib, "pca")
	c.Assert(err, check.IsNil)
	c.Check(m.Name, check.Equals, "pca")
}

func (s *neighborsSuite) TestEnsureGraphReuse(c *check.C) {
	lib := neighborsTestLibrary()
	stored, err := buildNeighborGraph(lib, "", 3)
	c.Assert(err, check.IsNil)

	g, err := ensureGraph(lib, "", 2)
	c.Assert(err, check.IsNil)
	c.Check(g, check.Equals, stored)

	g, err = ensureGraph(lib, "pca", 3)
	c.Assert(err, check.IsNil)
	c.Check(g, check.Equals, stored)
}

func (s *neighborsSuite) TestEnsureGraphBuilds(c *check.C) {
	lib := neighborsTestLibrary()
	g, err := ensureGraph(lib, "", 2)
	c.Assert(err, check.IsNil)
	c.Check(g.K, check.Equals, 2)
	c.Check(lib.graphs["pca"], check.Equals, g)

	// A stored graph with too few neighbors per cell forces a
	// rebuild.
	g2, err := ensureGraph(lib, "", 3)
	c.Assert(err, check.IsNil)
	c.Check(g2.K, check.Equals, 3)
	c.Check(lib.graphs["pca"], check.Equals, g2)
}
