// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// Package pprofout emits the resolved profile model as a pprof protobuf.
// pprof models stacks rather than Callgrind-style call arcs, so only
// exclusive costs are carried over; one location per sampled instruction.
package pprofout // import "github.com/perfgrind/perfgrind/pprofout"

import (
	"fmt"
	"io"

	pprofile "github.com/google/pprof/profile"

	"github.com/perfgrind/perfgrind/profile"
)

// Dump writes the profile to w as a gzip-compressed pprof protobuf.
func Dump(w io.Writer, p *profile.Profile) error {
	out := &pprofile.Profile{
		SampleType: []*pprofile.ValueType{
			{Type: "cycles", Unit: "count"},
		},
	}

	functions := make(map[profile.SymbolRef]*pprofile.Function)
	var nextID uint64 = 1

	for _, obj := range p.Objects() {
		mapping := &pprofile.Mapping{
			ID:     uint64(len(out.Mapping) + 1),
			Start:  uint64(obj.Range.Start),
			Limit:  uint64(obj.Range.End),
			Offset: obj.PageOffset,
			File:   obj.FileName,
		}
		out.Mapping = append(out.Mapping, mapping)

		for _, addr := range obj.Addresses() {
			entry := obj.Entry(addr)
			if entry.Count == 0 {
				continue
			}
			symIdx := entry.Symbol()
			if symIdx < 0 {
				continue
			}

			ref := profile.SymbolRef{Object: len(out.Mapping) - 1, Symbol: symIdx}
			fn, ok := functions[ref]
			if !ok {
				sym := obj.SymbolAt(symIdx)
				name := sym.Name
				if name == "" {
					name = fmt.Sprintf("func_%x", uint64(obj.MapFromElf(sym.Range.Start)))
				}
				filename := sym.SourceFile
				if filename == profile.UnknownFile {
					filename = ""
				}
				fn = &pprofile.Function{
					ID:         nextID,
					Name:       name,
					SystemName: name,
					Filename:   filename,
				}
				nextID++
				functions[ref] = fn
				out.Function = append(out.Function, fn)
			}

			loc := &pprofile.Location{
				ID:      uint64(len(out.Location) + 1),
				Mapping: mapping,
				Address: uint64(addr),
			}
			line := int64(entry.SourceLine)
			if line != 0 || fn.Filename != "" {
				loc.Line = []pprofile.Line{{Function: fn, Line: line}}
			} else {
				loc.Line = []pprofile.Line{{Function: fn}}
			}
			out.Location = append(out.Location, loc)

			out.Sample = append(out.Sample, &pprofile.Sample{
				Location: []*pprofile.Location{loc},
				Value:    []int64{int64(entry.Count)},
			})
		}
	}

	return out.Write(w)
}
