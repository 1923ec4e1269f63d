// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// Package callgrind writes the resolved profile model as Callgrind-format
// text. Output is byte-deterministic: objects are emitted in ascending
// range order, symbols in ELF address order, positions in ascending line
// order and call edges in callee symbol address order.
package callgrind // import "github.com/perfgrind/perfgrind/callgrind"

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/perfgrind/perfgrind/profile"
	"github.com/perfgrind/perfgrind/resolver"
)

// Options control the dump shape.
type Options struct {
	// DumpInstructions emits per-instruction positions instead of
	// aggregating by source line.
	DumpInstructions bool
	// Detail mirrors the resolution detail level. Objects detail omits
	// file directives, leaving one whole-object pseudo symbol per object.
	Detail resolver.Detail
}

// Dump writes the profile to w. The profile must be resolved; in CallGraph
// mode its branches must be fixed up. Entries are frozen afterwards.
func Dump(w io.Writer, p *profile.Profile, opts Options) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "positions:")
	if opts.DumpInstructions {
		fmt.Fprintf(bw, " instr")
	}
	fmt.Fprintf(bw, " line\n")
	fmt.Fprintf(bw, "events: Cycles\n\n")

	d := &dumper{p: p, opts: opts, w: bw}
	for _, obj := range p.Objects() {
		d.dumpObject(obj)
		fmt.Fprintf(bw, "\n")
	}

	p.Freeze()
	return bw.Flush()
}

type dumper struct {
	p    *profile.Profile
	opts Options
	w    *bufio.Writer

	currentFile string
}

// displayName names a symbol for output, falling back to a synthetic
// func_<hex> name derived from the symbol's process-space start address.
func displayName(obj *profile.MemoryObject, sym *profile.SymbolInfo) string {
	if sym.Name != "" {
		return sym.Name
	}
	return fmt.Sprintf("func_%x", uint64(obj.MapFromElf(sym.Range.Start)))
}

func (d *dumper) dumpObject(obj *profile.MemoryObject) {
	fmt.Fprintf(d.w, "ob=%s\n", obj.FileName)
	d.currentFile = ""

	addrs := obj.Addresses()
	for start := 0; start < len(addrs); {
		symIdx := obj.Entry(addrs[start]).Symbol()
		end := start + 1
		for end < len(addrs) && obj.Entry(addrs[end]).Symbol() == symIdx {
			end++
		}
		d.dumpSymbol(obj, symIdx, addrs[start:end])
		start = end
	}
}

func (d *dumper) dumpSymbol(obj *profile.MemoryObject, symIdx int, addrs []profile.Address) {
	sym := obj.SymbolAt(symIdx)
	if d.opts.Detail != resolver.Objects && d.currentFile != sym.SourceFile {
		d.currentFile = sym.SourceFile
		fmt.Fprintf(d.w, "fl=%s\n", sym.SourceFile)
	}
	fmt.Fprintf(d.w, "fn=%s\n", displayName(obj, sym))

	if d.opts.DumpInstructions {
		d.dumpInstructions(obj, addrs)
		return
	}
	d.dumpLines(obj, sym, addrs)
}

// dumpInstructions emits one position per entry, hexadecimal ELF-relative
// instruction addresses included.
func (d *dumper) dumpInstructions(obj *profile.MemoryObject, addrs []profile.Address) {
	for _, addr := range addrs {
		entry := obj.Entry(addr)
		pos := uint64(obj.MapToElf(addr))
		if entry.Count != 0 {
			fmt.Fprintf(d.w, "0x%x %d %d\n", pos, entry.SourceLine, entry.Count)
		}
		for _, call := range entry.Calls() {
			calleeObj, calleeSym := d.p.Symbol(call.Callee)
			fmt.Fprintf(d.w, "cob=%s\n", calleeObj.FileName)
			fmt.Fprintf(d.w, "cfi=%s\n", calleeSym.SourceFile)
			fmt.Fprintf(d.w, "cfn=%s\n", displayName(calleeObj, calleeSym))
			fmt.Fprintf(d.w, "calls=1 0x%x %d\n", uint64(calleeSym.Range.Start), calleeSym.SourceLine)
			fmt.Fprintf(d.w, "0x%x %d %d\n", pos, entry.SourceLine, call.Count)
		}
	}
}

// lineCost aggregates the entries of one (file, line) position.
type lineCost struct {
	line  int
	count profile.Count
	calls map[profile.SymbolRef]profile.Count
}

// dumpLines aggregates the symbol's entries by source position. The
// symbol's own source file comes first; positions in other files follow,
// grouped per file behind an fi= directive.
func (d *dumper) dumpLines(obj *profile.MemoryObject, sym *profile.SymbolInfo, addrs []profile.Address) {
	groups := make(map[string]map[int]*lineCost)
	for _, addr := range addrs {
		entry := obj.Entry(addr)
		byLine, ok := groups[entry.SourceFile]
		if !ok {
			byLine = make(map[int]*lineCost)
			groups[entry.SourceFile] = byLine
		}
		lc, ok := byLine[entry.SourceLine]
		if !ok {
			lc = &lineCost{line: entry.SourceLine}
			byLine[entry.SourceLine] = lc
		}
		lc.count += entry.Count
		for _, call := range entry.Calls() {
			if lc.calls == nil {
				lc.calls = make(map[profile.SymbolRef]profile.Count)
			}
			lc.calls[call.Callee] += call.Count
		}
	}

	files := make([]string, 0, len(groups))
	for file := range groups {
		if file != sym.SourceFile {
			files = append(files, file)
		}
	}
	sort.Strings(files)
	if _, ok := groups[sym.SourceFile]; ok {
		files = append([]string{sym.SourceFile}, files...)
	}

	for _, file := range files {
		if file != sym.SourceFile && d.opts.Detail != resolver.Objects {
			fmt.Fprintf(d.w, "fi=%s\n", file)
		}
		byLine := groups[file]
		lines := make([]int, 0, len(byLine))
		for line := range byLine {
			lines = append(lines, line)
		}
		sort.Ints(lines)
		for _, line := range lines {
			d.dumpLineCost(byLine[line])
		}
	}
}

func (d *dumper) dumpLineCost(lc *lineCost) {
	if lc.count != 0 {
		fmt.Fprintf(d.w, "%d %d\n", lc.line, lc.count)
	}

	refs := make([]profile.SymbolRef, 0, len(lc.calls))
	for ref := range lc.calls {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Object != refs[j].Object {
			return refs[i].Object < refs[j].Object
		}
		return refs[i].Symbol < refs[j].Symbol
	})

	for _, ref := range refs {
		calleeObj, calleeSym := d.p.Symbol(ref)
		fmt.Fprintf(d.w, "cob=%s\n", calleeObj.FileName)
		fmt.Fprintf(d.w, "cfi=%s\n", calleeSym.SourceFile)
		fmt.Fprintf(d.w, "cfn=%s\n", displayName(calleeObj, calleeSym))
		fmt.Fprintf(d.w, "calls=1 %d\n", calleeSym.SourceLine)
		fmt.Fprintf(d.w, "%d %d\n", lc.line, lc.calls[ref])
	}
}
