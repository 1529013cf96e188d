package lantern

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"git.arvados.org/arvados.git/lib/cmd"
	"github.com/kshedden/gonpy"
	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

func (s *pipelineSuite) TestImportStats(c *check.C) {
	for _, infile := range []string{
		"testdata/batch1/",
		"testdata/dense.csv",
	} {
		c.Logf("TestImportStats: %s", infile)
		var wg sync.WaitGroup

		statsin, importout := io.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := (&importer{}).RunCommand("lantern import", []string{"-local=true", infile}, bytes.NewReader(nil), importout, os.Stderr)
			c.Check(code, check.Equals, 0)
			importout.Close()
		}()
		statsout := &bytes.Buffer{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := (&statscmd{}).RunCommand("lantern stats", []string{"-local"}, statsin, statsout, os.Stderr)
			c.Check(code, check.Equals, 0)
		}()
		wg.Wait()
		c.Logf("%s", statsout.String())

		var summary struct {
			Cells, Genes int
			Batches      map[string]int
		}
		err := json.Unmarshal(statsout.Bytes(), &summary)
		c.Check(err, check.IsNil)
		c.Check(summary.Cells > 0, check.Equals, true)
		c.Check(summary.Genes > 0, check.Equals, true)
	}
}

func (s *pipelineSuite) TestImportMerge(c *check.C) {
	libfile := make([]string, 2)
	tmpdir := c.MkDir()

	var wg sync.WaitGroup
	for i, infile := range []string{
		"testdata/batch1/",
		"testdata/batch2/",
	} {
		i, infile := i, infile
		c.Logf("TestImportMerge: %s", infile)
		libfile[i] = fmt.Sprintf("%s/%d.gob", tmpdir, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			code := (&importer{}).RunCommand("lantern import", []string{"-local=true", "-o=" + libfile[i], infile}, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
			c.Check(code, check.Equals, 0)
		}()
	}
	wg.Wait()

	merged := &bytes.Buffer{}
	code := (&merger{}).RunCommand("lantern merge", []string{"-local", libfile[0], libfile[1]}, bytes.NewReader(nil), merged, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Logf("len(merged) %d", merged.Len())

	statsout := &bytes.Buffer{}
	code = (&statscmd{}).RunCommand("lantern stats", []string{"-local"}, merged, statsout, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Logf("%s", statsout.String())

	var summary struct {
		Cells   int
		Batches map[string]int
	}
	err := json.Unmarshal(statsout.Bytes(), &summary)
	c.Check(err, check.IsNil)
	c.Check(summary.Cells, check.Equals, 48)
	c.Check(summary.Batches, check.DeepEquals, map[string]int{"batch1": 24, "batch2": 24})
}

// TestWorkflow runs the whole pipeline on the two-batch fixture and
// checks every artifact it leaves behind. Cells 1-12 of each batch are
// T-like (CD3D, CD3E, IL7R, CCR7), cells 13-24 are monocyte-like (LYZ,
// CD14, FCGR3A, MS4A7).
func (s *pipelineSuite) TestWorkflow(c *check.C) {
	tmpdir := c.MkDir()
	lib := func(n int) string { return fmt.Sprintf("%s/%d.gob", tmpdir, n) }
	run := func(handler cmd.Handler, prog string, args ...string) {
		c.Logf("TestWorkflow: %s %v", prog, args)
		code := handler.RunCommand(prog, args, bytes.NewReader(nil), &bytes.Buffer{}, os.Stderr)
		c.Assert(code, check.Equals, 0)
	}

	run(&importer{}, "lantern import", "-local=true", "-o", lib(1), "testdata/batch1", "testdata/batch2")
	run(&filtercmd{}, "lantern filter", "-local=true", "-min-genes=3", "-min-counts=10", "-min-cells=1", "-max-mito=0.5", "-drop-genes=^MT-", "-i", lib(1), "-o", lib(2))
	run(&normalizer{}, "lantern normalize", "-local=true", "-i", lib(2), "-o", lib(3))
	run(&scorecmd{}, "lantern score", "-local=true", "-genesets", "testdata/markers.gmt", "-top-frac=0.5", "-assign", "-i", lib(3), "-o", lib(4))
	run(&hvgcmd{}, "lantern hvg", "-local=true", "-top=8", "-span=0.8", "-table", tmpdir+"/hvg.csv", "-i", lib(4), "-o", lib(5))
	run(&pcacmd{}, "lantern pca", "-local=true", "-components=3", "-output-npy", tmpdir+"/pca.npy", "-i", lib(5), "-o", lib(6))
	run(&neighborscmd{}, "lantern neighbors", "-local=true", "-k=5", "-i", lib(6), "-o", lib(7))
	run(&clustercmd{}, "lantern cluster", "-local=true", "-k=5", "-seed=1", "-i", lib(7), "-o", lib(8))
	run(&umapcmd{}, "lantern umap", "-local=true", "-neighbors=5", "-epochs=100", "-seed=1", "-i", lib(8), "-o", lib(9))
	run(&markerscmd{}, "lantern markers", "-local=true", "-i", lib(9), "-o", tmpdir+"/markers.csv")
	run(&exporter{}, "lantern export", "-local=true", "-i", lib(9), "-o", tmpdir+"/cells.csv")
	run(&plotcmd{}, "lantern plot", "-local=true", "-color", "cluster", "-width", "400", "-height", "300", "-i", lib(9), "-o", tmpdir+"/plot.png")
	run(&annotatecmd{}, "lantern annotate", "-local=true", "-ref", "testdata/ref_profiles.csv", "-i", lib(9), "-o", lib(10))
	run(&integrator{}, "lantern integrate", "-local=true", "-k=5", "-components=3", "-i", lib(10), "-o", lib(11))

	final, err := loadLibrary(context.Background(), lib(9), nil)
	c.Assert(err, check.IsNil)
	c.Check(final.Len(), check.Equals, 48)
	c.Check(final.panel.Len(), check.Equals, 10)
	c.Check(final.norm, check.NotNil)
	c.Check(final.norm.SizeFactors, check.HasLen, 48)
	c.Check(final.subsets["blacklist"], check.DeepEquals, []int32{8})
	c.Check(len(final.subsets["hvg"]) > 0, check.Equals, true)
	for _, g := range final.subsets["hvg"] {
		c.Check(g, check.Not(check.Equals), int32(8))
	}
	c.Check(final.matrices["aucell"].Columns, check.DeepEquals, []string{"TCELL", "MONO"})
	c.Check(final.matrices["pca"].Columns, check.HasLen, 3)
	c.Check(final.matrices["umap"].Columns, check.DeepEquals, []string{"UMAP1", "UMAP2"})
	c.Check(final.matrices["umap"].Rows, check.HasLen, 48)
	c.Assert(final.graphs["pca"], check.NotNil)
	c.Check(final.graphs["pca"].K, check.Equals, 5)

	// Filtering dropped nothing, so row i is T-like iff i%24 < 12.
	isT := func(row int) bool { return row%24 < 12 }
	scored := final.annotations["celltype.score"]
	c.Assert(scored, check.HasLen, 48)
	for i, label := range scored {
		if isT(i) {
			c.Check(label, check.Equals, "TCELL", check.Commentf("row %d", i))
		} else {
			c.Check(label, check.Equals, "MONO", check.Commentf("row %d", i))
		}
	}
	clusterOf := final.annotations["cluster"]
	c.Assert(clusterOf, check.HasLen, 48)
	clusterType := map[string]bool{}
	seen := map[string]bool{}
	for i, label := range clusterOf {
		if !seen[label] {
			seen[label] = true
			clusterType[label] = isT(i)
		}
		c.Check(clusterType[label], check.Equals, isT(i), check.Commentf("cluster %q mixes cell types at row %d", label, i))
	}
	c.Check(len(seen) >= 2, check.Equals, true, check.Commentf("found clusters %v", clusterType))

	s.checkMarkersCSV(c, tmpdir+"/markers.csv", seen)
	s.checkCellsCSV(c, tmpdir+"/cells.csv")
	s.checkScoresNpy(c, tmpdir+"/pca.npy")
	s.checkHvgCSV(c, tmpdir+"/hvg.csv", len(final.subsets["hvg"]))

	annotated, err := loadLibrary(context.Background(), lib(11), nil)
	c.Assert(err, check.IsNil)
	c.Assert(annotated.matrices["singler"], check.NotNil)
	c.Check(annotated.matrices["singler"].Columns, check.DeepEquals, []string{"T cell", "Monocyte"})
	refcall := annotated.annotations["celltype.ref"]
	c.Assert(refcall, check.HasLen, 48)
	for i, label := range refcall {
		if isT(i) {
			c.Check(label, check.Equals, "T cell", check.Commentf("row %d", i))
		} else {
			c.Check(label, check.Equals, "Monocyte", check.Commentf("row %d", i))
		}
	}
	mnn := annotated.matrices["mnn"]
	c.Assert(mnn, check.NotNil)
	c.Check(mnn.Columns, check.DeepEquals, []string{"PC1", "PC2", "PC3"})
	c.Assert(mnn.Rows, check.HasLen, 48)

	statsout := &bytes.Buffer{}
	code := (&statscmd{}).RunCommand("lantern stats", []string{"-local", "-i", lib(9)}, bytes.NewReader(nil), statsout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	var summary struct {
		Cells, Genes int
		Batches      map[string]int
		NormMethod   string
		Subsets      map[string]int
		Annotations  map[string]map[string]int
		Matrices     map[string]int
		Graphs       map[string]int
	}
	err = json.Unmarshal(statsout.Bytes(), &summary)
	c.Assert(err, check.IsNil)
	c.Check(summary.Cells, check.Equals, 48)
	c.Check(summary.Genes, check.Equals, 10)
	c.Check(summary.Batches, check.DeepEquals, map[string]int{"batch1": 24, "batch2": 24})
	c.Check(summary.NormMethod, check.Equals, "libsize")
	c.Check(summary.Subsets["blacklist"], check.Equals, 1)
	c.Check(summary.Matrices, check.DeepEquals, map[string]int{"aucell": 2, "pca": 3, "umap": 2})
	c.Check(summary.Graphs, check.DeepEquals, map[string]int{"pca": 5})
	c.Check(summary.Annotations["celltype.score"], check.DeepEquals, map[string]int{"TCELL": 24, "MONO": 24})

	dumpout := &bytes.Buffer{}
	code = (&dumpcmd{}).RunCommand("lantern dump", []string{"-local", "-cells=2", "-i", lib(9)}, bytes.NewReader(nil), dumpout, os.Stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(dumpout.String(), check.Matches, `(?ms).*cells: 48 in 2 batches.*`)
	c.Check(dumpout.String(), check.Matches, `(?ms).*norm: method libsize.*`)

	png, err := os.ReadFile(tmpdir + "/plot.png")
	c.Assert(err, check.IsNil)
	c.Check(len(png) > 8, check.Equals, true)
	c.Check(png[:8], check.DeepEquals, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
}

func (s *pipelineSuite) checkMarkersCSV(c *check.C, fnm string, clusters map[string]bool) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	c.Assert(err, check.IsNil)
	c.Assert(len(recs) > 1, check.Equals, true)
	c.Check(recs[0], check.DeepEquals, []string{"cluster", "gene", "log2fc", "pct_in", "pct_out", "p_ttest", "fdr_ttest", "p_wilcoxon", "fdr_wilcoxon"})
	topSeen := map[string]bool{}
	upSeen := map[string]bool{}
	for _, rec := range recs[1:] {
		cluster := rec[0]
		c.Check(clusters[cluster], check.Equals, true, check.Commentf("marker row names unknown cluster %q", cluster))
		log2fc, err := strconv.ParseFloat(rec[2], 64)
		c.Assert(err, check.IsNil)
		pctIn, err := strconv.ParseFloat(rec[3], 64)
		c.Assert(err, check.IsNil)
		pctOut, err := strconv.ParseFloat(rec[4], 64)
		c.Assert(err, check.IsNil)
		ufdr, err := strconv.ParseFloat(rec[8], 64)
		c.Assert(err, check.IsNil)
		if !topSeen[cluster] {
			// Rows come out sorted by FDR, so the first row per
			// cluster is its strongest marker.
			topSeen[cluster] = true
			c.Check(ufdr < 0.01, check.Equals, true, check.Commentf("top marker for cluster %q: %v", cluster, rec))
		}
		if log2fc > 0 && pctIn > pctOut && ufdr < 0.01 {
			upSeen[cluster] = true
		}
	}
	c.Check(topSeen, check.HasLen, len(clusters))
	c.Check(upSeen, check.HasLen, len(clusters), check.Commentf("clusters with a significant upregulated marker: %v", upSeen))
}

func (s *pipelineSuite) checkCellsCSV(c *check.C, fnm string) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	c.Assert(err, check.IsNil)
	c.Assert(recs, check.HasLen, 49)
	c.Check(recs[0], check.DeepEquals, []string{"barcode", "batch", "celltype.score", "cluster", "umap.UMAP1", "umap.UMAP2"})
	c.Check(recs[1][1], check.Equals, "batch1")
	c.Check(recs[48][1], check.Equals, "batch2")
}

func (s *pipelineSuite) checkScoresNpy(c *check.C, fnm string) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	npy, err := gonpy.NewReader(f)
	c.Assert(err, check.IsNil)
	c.Check(npy.Shape, check.DeepEquals, []int{48, 3})
	scores, err := npy.GetFloat64()
	c.Assert(err, check.IsNil)
	c.Check(scores, check.HasLen, 48*3)
}

func (s *pipelineSuite) checkHvgCSV(c *check.C, fnm string, nhvg int) {
	f, err := os.Open(fnm)
	c.Assert(err, check.IsNil)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	c.Assert(err, check.IsNil)
	c.Assert(recs, check.HasLen, 11)
	c.Check(recs[0], check.DeepEquals, []string{"gene", "mean", "variance", "trend", "bio", "hvg"})
	flagged := 0
	for _, rec := range recs[1:] {
		if rec[5] == "true" {
			flagged++
			c.Check(rec[0], check.Not(check.Equals), "MT-CO1")
		}
	}
	c.Check(flagged, check.Equals, nhvg)
}
