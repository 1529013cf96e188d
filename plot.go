// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sort"
	"strconv"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

type plotcmd struct {
	matrixName string
	colorBy    string
	width      int
	height     int
}

func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input `file`")
	outputFilename := flags.String("o", "", "output `filename` (e.g., './plot.png')")
	flags.StringVar(&cmd.matrixName, "matrix", "umap", "embedding `matrix` to plot (first two columns)")
	flags.StringVar(&cmd.colorBy, "color", "batch", "color by annotation `column`, \"batch\", or a matrix column like \"aucell.Tcell\"")
	flags.IntVar(&cmd.width, "width", 1000, "image width in `pixels`")
	flags.IntVar(&cmd.height, "height", 800, "image height in `pixels`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if cmd.width < 100 || cmd.height < 100 {
		err = fmt.Errorf("-width=%d -height=%d is too small to plot", cmd.width, cmd.height)
		return 2
	}

	if !*runlocal {
		if *outputFilename != "" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern plot",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         4 << 30,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"plot", "-local=true",
			"-matrix", cmd.matrixName,
			"-color", cmd.colorBy,
			"-width", strconv.Itoa(cmd.width),
			"-height", strconv.Itoa(cmd.height),
			"-i", *inputFilename,
			"-o", "/mnt/output/plot.png",
		}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/plot.png")
		return 0
	}

	if *outputFilename == "" {
		fmt.Fprintln(stderr, "error: must specify -o filename.png in local mode (or try -help)")
		return 1
	}
	lib, err := loadLibrary(context.Background(), *inputFilename, stdin)
	if err != nil {
		return 1
	}
	var f *os.File
	f, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0777)
	if err != nil {
		return 1
	}
	bufw := bufio.NewWriter(f)
	err = cmd.plot(lib, bufw)
	if err != nil {
		f.Close()
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = f.Close()
	if err != nil {
		return 1
	}
	return 0
}

// plot renders the first two columns of the chosen embedding as a PNG
// scatter, one series per category with a legend, or graded dot colors
// for a continuous column.
func (cmd *plotcmd) plot(lib *cellLibrary, out io.Writer) error {
	m, err := lib.requireMatrix(cmd.matrixName, "umap")
	if err != nil {
		return err
	}
	if len(m.Columns) < 2 {
		return fmt.Errorf("matrix %q has %d columns, need at least 2 to plot", m.Name, len(m.Columns))
	}
	labels, scores, err := cmd.colorValues(lib)
	if err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  cmd.width,
		Height: cmd.height,
		XAxis:  chart.XAxis{Name: m.Columns[0]},
		YAxis:  chart.YAxis{Name: m.Columns[1]},
	}
	if labels != nil {
		byLabel := map[string][]int{}
		var distinct []string
		for row, label := range labels {
			if _, ok := byLabel[label]; !ok {
				distinct = append(distinct, label)
			}
			byLabel[label] = append(byLabel[label], row)
		}
		sortClusterLabels(distinct)
		for i, label := range distinct {
			rows := byLabel[label]
			xs := make([]float64, len(rows))
			ys := make([]float64, len(rows))
			for j, row := range rows {
				xs[j] = float64(m.Rows[row][0])
				ys[j] = float64(m.Rows[row][1])
			}
			graph.Series = append(graph.Series, chart.ContinuousSeries{
				Name:    label,
				XValues: xs,
				YValues: ys,
				Style: chart.Style{
					StrokeWidth: chart.Disabled,
					DotWidth:    3,
					DotColor:    chart.GetDefaultColor(i),
				},
			})
		}
		graph.Elements = []chart.Renderable{chart.Legend(&graph)}
		log.Printf("plotting %d cells in %d categories", len(labels), len(distinct))
	} else {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range scores {
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		xs := make([]float64, len(lib.cells))
		ys := make([]float64, len(lib.cells))
		for row := range lib.cells {
			xs[row] = float64(m.Rows[row][0])
			ys[row] = float64(m.Rows[row][1])
		}
		graph.Series = []chart.Series{chart.ContinuousSeries{
			XValues: xs,
			YValues: ys,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    3,
				DotColorProvider: func(xr, yr chart.Range, index int, x, y float64) drawing.Color {
					v := scores[index]
					if math.IsNaN(v) || lo >= hi {
						return drawing.Color{R: 128, G: 128, B: 128, A: 255}
					}
					return gradientColor((v - lo) / (hi - lo))
				},
			},
		}}
		log.Printf("plotting %d cells colored by %s in [%g, %g]", len(scores), cmd.colorBy, lo, hi)
	}
	return graph.Render(chart.PNG, out)
}

// colorValues resolves -color to either a per-cell label column or a
// per-cell numeric column.
func (cmd *plotcmd) colorValues(lib *cellLibrary) ([]string, []float64, error) {
	if cmd.colorBy == "batch" {
		labels := make([]string, len(lib.cells))
		for row := range lib.cells {
			labels[row] = lib.cells[row].Batch
		}
		return labels, nil, nil
	}
	if values, ok := lib.annotations[cmd.colorBy]; ok {
		return values, nil, nil
	}
	var names []string
	for name := range lib.matrices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := lib.matrices[name]
		var col string
		if cmd.colorBy == name && len(m.Columns) == 1 {
			col = m.Columns[0]
		} else if strings.HasPrefix(cmd.colorBy, name+".") {
			col = strings.TrimPrefix(cmd.colorBy, name+".")
		} else {
			continue
		}
		for j, c := range m.Columns {
			if c == col {
				scores := make([]float64, len(m.Rows))
				for row, vals := range m.Rows {
					scores[row] = float64(vals[j])
				}
				return nil, scores, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("library has no %q annotation or matrix column", cmd.colorBy)
}

// gradientColor maps t in [0,1] onto a dark-purple to teal to yellow
// ramp.
func gradientColor(t float64) drawing.Color {
	stops := [3]drawing.Color{
		{R: 68, G: 1, B: 84, A: 255},
		{R: 33, G: 145, B: 140, A: 255},
		{R: 253, G: 231, B: 37, A: 255},
	}
	if t <= 0 {
		return stops[0]
	}
	if t >= 1 {
		return stops[2]
	}
	a, b := stops[0], stops[1]
	if t > 0.5 {
		a, b, t = stops[1], stops[2], t-0.5
	}
	t *= 2
	return drawing.Color{
		R: uint8(float64(a.R) + t*(float64(b.R)-float64(a.R))),
		G: uint8(float64(a.G) + t*(float64(b.G)-float64(a.G))),
		B: uint8(float64(a.B) + t*(float64(b.B)-float64(a.B))),
		A: 255,
	}
}
