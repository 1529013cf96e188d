// Copyright (C) The Lantern Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package lantern

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// genePanel is the ordered list of features shared by every cell in
// a library. Gene IDs are 0-based positions in this list.
type genePanel struct {
	names [][]byte
	index map[string]geneID
	hash  [blake2b.Size256]byte
}

// Load reads a feature list: either a cellranger-style features.tsv
// (one gene per line, tab-separated columns) or a plain list with one
// gene name per line. column selects the tab-separated column to use
// as the gene name (1-based); lines with fewer columns fall back to
// the first one.
func (panel *genePanel) Load(rdr io.Reader, column int) error {
	var names [][]byte
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		fields := bytes.Split(data, []byte{'\t'})
		use := 0
		if column > 0 && column <= len(fields) {
			use = column - 1
		}
		names = append(names, append([]byte(nil), fields[use]...))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return panel.setGenes(names)
}

// setGenes installs the given name list. Duplicate names are
// disambiguated with a "-N" suffix so every panel position stays
// addressable by name.
func (panel *genePanel) setGenes(names [][]byte) error {
	if len(names) == 0 {
		return fmt.Errorf("cannot use an empty gene panel")
	}
	panel.names = names
	panel.index = make(map[string]geneID, len(names))
	ndup := 0
	for i, name := range names {
		key := string(name)
		if _, ok := panel.index[key]; ok {
			ndup++
			for n := 1; ; n++ {
				renamed := fmt.Sprintf("%s-%d", key, n)
				if _, ok := panel.index[renamed]; !ok {
					key = renamed
					break
				}
			}
			panel.names[i] = []byte(key)
		}
		panel.index[key] = geneID(i)
	}
	if ndup > 0 {
		log.Warnf("gene panel has %d duplicate names, made unique with -N suffixes", ndup)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	for _, name := range panel.names {
		h.Write(name)
		h.Write([]byte{'\n'})
	}
	h.Sum(panel.hash[:0])
	return nil
}

func (panel *genePanel) Len() int {
	if panel == nil {
		return 0
	}
	return len(panel.names)
}

func (panel *genePanel) Names() [][]byte {
	return panel.names
}

func (panel *genePanel) Name(id geneID) string {
	return string(panel.names[id])
}

func (panel *genePanel) Lookup(name string) (geneID, bool) {
	id, ok := panel.index[name]
	return id, ok
}

func (panel *genePanel) Hash() [blake2b.Size256]byte {
	return panel.hash
}

// matchingGenes returns the panel indexes (ascending) of genes whose
// name has the given prefix.
func (panel *genePanel) matchingGenes(prefix string) []int32 {
	var out []int32
	for i, name := range panel.names {
		if strings.HasPrefix(string(name), prefix) {
			out = append(out, int32(i))
		}
	}
	return out
}
