// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package resolver // import "github.com/perfgrind/perfgrind/resolver"

import (
	"debug/dwarf"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// lineEntry is one row of the flattened DWARF line program. Rows with
// endSeq set terminate a contiguous address region; an address landing on
// them has no line info.
type lineEntry struct {
	addr   uint64
	file   string
	line   int
	endSeq bool
}

// loadLineTable flattens the line programs of all compile units in path
// into one address-sorted table. Offline ELF files need no relocation bias:
// the line program addresses are already in ELF space. Failures degrade to
// an empty table; the profile then emits line 0 positions.
func loadLineTable(path string) []lineEntry {
	f, err := elfOpen(path)
	if err != nil {
		log.Debugf("line table: open %s: %v", path, err)
		return nil
	}
	defer f.Close()

	d, err := f.DWARF()
	if err != nil {
		log.Debugf("line table: no DWARF in %s: %v", path, err)
		return nil
	}

	var entries []lineEntry
	r := d.Reader()
	for {
		cu, err := r.Next()
		if err != nil || cu == nil {
			break
		}
		if cu.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(cu)
		if err != nil || lr == nil {
			r.SkipChildren()
			continue
		}
		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err != io.EOF {
					log.Debugf("line table: %s: %v", path, err)
				}
				break
			}
			e := lineEntry{addr: le.Address, endSeq: le.EndSequence}
			if !le.EndSequence && le.File != nil {
				e.file = le.File.Name
				e.line = le.Line
			}
			entries = append(entries, e)
		}
		r.SkipChildren()
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].addr < entries[j].addr
	})
	return entries
}
