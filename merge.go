package lantern

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"runtime"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

type merger struct{}

func (cmd *merger) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	inputs := flags.Args()
	if len(inputs) == 0 {
		err = errors.New("no input files specified")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "lantern merge",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       2,
			Priority:    *priority,
		}
		for i := range inputs {
			err = runner.TranslatePaths(&inputs[i])
			if err != nil {
				return 1
			}
		}
		runner.Args = append([]string{"merge", "-local=true",
			"-o", "/mnt/output/library.gob",
		}, inputs...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/library.gob")
		return 0
	}

	var infiles []string
	for _, path := range inputs {
		if path == "-" {
			infiles = append(infiles, path)
			continue
		}
		files, err2 := allFiles(path, matchGobFile)
		if err2 != nil {
			err = err2
			return 1
		}
		infiles = append(infiles, files...)
	}

	// Read inputs concurrently, then absorb them in argument order
	// so barcode disambiguation is deterministic.
	libs := make([]*cellLibrary, len(infiles))
	throttle := throttle{Max: runtime.GOMAXPROCS(0)}
	ctx := context.Background()
	for i, infile := range infiles {
		i, infile := i, infile
		throttle.Go(func() error {
			lib, err := loadLibrary(ctx, infile, stdin)
			libs[i] = lib
			return err
		})
	}
	err = throttle.Wait()
	if err != nil {
		return 1
	}

	var merged cellLibrary
	for i, lib := range libs {
		err = merged.absorb(lib)
		if err != nil {
			err = fmt.Errorf("%s: %s", infiles[i], err)
			return 1
		}
	}
	err = merged.validate()
	if err != nil {
		return 1
	}
	log.Printf("merged %d inputs, %d cells total", len(libs), merged.Len())
	err = merged.Save(*outputFilename, stdout)
	if err != nil {
		return 1
	}
	return 0
}
