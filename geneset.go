// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	log "github.com/sirupsen/logrus"
	"github.com/willf/bitset"
)

// geneSet is a named marker gene list, e.g. one line of a .gmt file.
type geneSet struct {
	Name  string
	Genes []string
}

type geneSetCSVRow struct {
	Set  string `csv:"set"`
	Gene string `csv:"gene"`
}

// loadGeneSets reads gene sets from a .gmt file (set name, optional
// description, then member genes, tab separated) or from a two-column
// csv with a "set,gene" header.
func loadGeneSets(fnm string, rdr io.Reader) ([]geneSet, error) {
	if strings.HasSuffix(strings.TrimSuffix(fnm, ".gz"), ".csv") {
		return loadGeneSetsCSV(rdr)
	}
	return loadGeneSetsGMT(rdr)
}

func loadGeneSetsGMT(rdr io.Reader) ([]geneSet, error) {
	var sets []geneSet
	seen := map[string]bool{}
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 1<<22)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			return nil, fmt.Errorf("gmt line %q has %d fields, need at least 3 (name, description, genes...)", fields[0], len(fields))
		}
		if seen[fields[0]] {
			return nil, fmt.Errorf("gmt has duplicate set name %q", fields[0])
		}
		seen[fields[0]] = true
		set := geneSet{Name: fields[0]}
		for _, gene := range fields[2:] {
			if gene != "" {
				set.Genes = append(set.Genes, gene)
			}
		}
		sets = append(sets, set)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("no gene sets found in input")
	}
	return sets, nil
}

func loadGeneSetsCSV(rdr io.Reader) ([]geneSet, error) {
	var rows []geneSetCSVRow
	err := gocsv.Unmarshal(rdr, &rows)
	if err != nil {
		return nil, err
	}
	bySet := map[string]int{}
	var sets []geneSet
	for _, row := range rows {
		if row.Set == "" || row.Gene == "" {
			continue
		}
		i, ok := bySet[row.Set]
		if !ok {
			i = len(sets)
			bySet[row.Set] = i
			sets = append(sets, geneSet{Name: row.Set})
		}
		sets[i].Genes = append(sets[i].Genes, row.Gene)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("no gene sets found in input")
	}
	return sets, nil
}

// panelMask maps a gene set onto a panel, returning a bitmask over
// panel indexes and the number of set genes that were found. Genes
// missing from the panel are counted but otherwise ignored.
func (set *geneSet) panelMask(panel *genePanel) (*bitset.BitSet, int) {
	mask := bitset.New(uint(panel.Len()))
	found := 0
	for _, gene := range set.Genes {
		if id, ok := panel.Lookup(gene); ok {
			mask.Set(uint(id))
			found++
		}
	}
	if missing := len(set.Genes) - found; missing > 0 {
		log.Debugf("gene set %s: %d of %d genes not in panel", set.Name, missing, len(set.Genes))
	}
	return mask, found
}
