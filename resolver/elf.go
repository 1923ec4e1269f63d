// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package resolver // import "github.com/perfgrind/perfgrind/resolver"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ianlancetaylor/demangle"
	log "github.com/sirupsen/logrus"
)

// debugFileRoot is where distributions install detached debug info.
const debugFileRoot = "/usr/lib/debug"

// minGapSize is the smallest hole between symbols worth a synthetic filler.
const minGapSize = 4

// rawSym is a symbol candidate before gap filling and naming.
type rawSym struct {
	start, end uint64
	name       string
	binding    elf.SymBind
	plt        bool
	// asmLabel marks a zero-sized symbol; its range is grown to the next
	// symbol during gap filling and its name gets an @<basename> suffix.
	asmLabel bool
	// synthetic marks gap fillers, which have no ELF name to demangle.
	synthetic bool
}

// symBuilder accumulates candidates and resolves overlaps. Symbols are kept
// sorted by start address and pairwise disjoint at all times.
type symBuilder struct {
	syms   []rawSym
	pltEnd uint64
}

// bindRank orders bindings LOCAL < WEAK < GLOBAL. The raw STB_* values do
// not sort this way (WEAK is 2, GLOBAL is 1).
func bindRank(b elf.SymBind) int {
	switch b {
	case elf.STB_GLOBAL:
		return 2
	case elf.STB_WEAK:
		return 1
	default:
		return 0
	}
}

// insert adds a candidate, applying the conflict rules when it overlaps an
// incumbent: a sized symbol beats an asm label, then the higher binding wins.
func (b *symBuilder) insert(s rawSym) {
	if s.end <= s.start {
		return
	}
	i := sort.Search(len(b.syms), func(i int) bool {
		return b.syms[i].end > s.start
	})
	if i == len(b.syms) || b.syms[i].start >= s.end {
		b.syms = append(b.syms, rawSym{})
		copy(b.syms[i+1:], b.syms[i:])
		b.syms[i] = s
		return
	}

	old := b.syms[i]
	var wins bool
	if old.asmLabel != s.asmLabel {
		// A sized symbol beats an asm label regardless of binding.
		wins = old.asmLabel
	} else {
		wins = bindRank(s.binding) > bindRank(old.binding)
	}
	if !wins {
		return
	}

	b.syms[i] = s
	// The winner may reach further than the loser did; swallow any
	// now-overlapped successors to keep the set disjoint.
	j := i + 1
	for j < len(b.syms) && b.syms[j].start < s.end {
		j++
	}
	if j > i+1 {
		b.syms = append(b.syms[:i+1], b.syms[j:]...)
	}
}

// dropFrom discards all non-PLT symbols starting at or above addr. Loading a
// regular symbol table starts with dropFrom(pltEnd) so that a second load
// (from a debug file) replaces the first while PLT stubs survive.
func (b *symBuilder) dropFrom(addr uint64) {
	kept := b.syms[:0]
	for _, s := range b.syms {
		if s.plt || s.start < addr {
			kept = append(kept, s)
		}
	}
	b.syms = kept
}

// loadPLT synthesizes one symbol per PLT stub from the PLT relocation
// section: relocation i owns the stub slot at sh_addr + i*sh_entsize, and
// its dynsym index names it.
func (b *symBuilder) loadPLT(f *elf.File, plt, rel *elf.Section) {
	if plt.Entsize == 0 || rel.Entsize == 0 {
		return
	}
	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		return
	}
	data, err := rel.Data()
	if err != nil {
		log.Debugf("unreadable %s section: %v", rel.Name, err)
		return
	}

	symStart := plt.Addr
	entSize := plt.Entsize
	count := rel.Size / rel.Entsize
	for i := uint64(0); i < count; i++ {
		symIdx, ok := relSymIndex(f, rel, data, i)
		name := ""
		// debug/elf hides the null symbol at index 0.
		if ok && symIdx > 0 && symIdx <= uint64(len(dynsyms)) {
			name = dynsyms[symIdx-1].Name
		}
		b.insert(rawSym{
			start: symStart,
			end:   symStart + entSize,
			name:  name,
			plt:   true,
		})
		symStart += entSize
	}
	b.pltEnd = symStart
}

// relSymIndex extracts the dynsym index of relocation i from raw section data.
func relSymIndex(f *elf.File, rel *elf.Section, data []byte, i uint64) (uint64, bool) {
	if f.Class == elf.ELFCLASS64 {
		entSize := uint64(16)
		if rel.Type == elf.SHT_RELA {
			entSize = 24
		}
		off := i * entSize
		if off+16 > uint64(len(data)) {
			return 0, false
		}
		info := f.ByteOrder.Uint64(data[off+8 : off+16])
		return uint64(elf.R_SYM64(info)), true
	}
	entSize := uint64(8)
	if rel.Type == elf.SHT_RELA {
		entSize = 12
	}
	off := i * entSize
	if off+8 > uint64(len(data)) {
		return 0, false
	}
	info := f.ByteOrder.Uint32(data[off+4 : off+8])
	return uint64(elf.R_SYM32(info)), true
}

// loadTable loads function symbols from a .symtab or .dynsym listing.
func (b *symBuilder) loadTable(syms []elf.Symbol) {
	b.dropFrom(b.pltEnd)
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF {
			continue
		}
		size := sym.Size
		if size == 0 {
			size = 1
		}
		b.insert(rawSym{
			start:    sym.Value,
			end:      sym.Value + size,
			name:     sym.Name,
			binding:  elf.ST_BIND(sym.Info),
			asmLabel: sym.Size == 0,
		})
	}
}

// fillGaps inserts synthetic symbols over holes of minGapSize or more,
// grows asm labels to the next symbol start, and covers the trailing gap.
// Afterwards the symbols tile [base, end) modulo sub-minGapSize residuals.
func (b *symBuilder) fillGaps(base, end uint64, detail Detail, baseName string) {
	out := make([]rawSym, 0, len(b.syms)+8)
	prevEnd := base
	for i, s := range b.syms {
		if s.start > prevEnd && s.start-prevEnd >= minGapSize {
			out = append(out, rawSym{start: prevEnd, end: s.start, synthetic: true})
		}
		if s.asmLabel {
			newEnd := end
			if i+1 < len(b.syms) {
				newEnd = b.syms[i+1].start
			}
			if newEnd > s.end {
				s.end = newEnd
			}
		}
		out = append(out, s)
		if s.end > prevEnd {
			prevEnd = s.end
		}
	}
	if end > prevEnd && end-prevEnd >= minGapSize {
		tail := rawSym{start: prevEnd, end: end, synthetic: true}
		if detail == Objects {
			tail.name = "whole@" + baseName
		}
		out = append(out, tail)
	}
	b.syms = out
}

// finish produces the display-named symbol slice. ELF names go through the
// Itanium demangler, falling back to the raw name; PLT stubs get the @plt
// suffix, expanded asm labels the @<basename> suffix.
func (b *symBuilder) finish(baseName string) []Symbol {
	symbols := make([]Symbol, 0, len(b.syms))
	for _, s := range b.syms {
		name := s.name
		if name != "" && !s.synthetic {
			name = demangle.Filter(name)
			if s.plt {
				name += "@plt"
			}
			if s.asmLabel {
				name += "@" + baseName
			}
		}
		symbols = append(symbols, Symbol{
			Start: s.start,
			End:   s.end,
			Name:  name,
			PLT:   s.plt,
		})
	}
	return symbols
}

// elfOpen is overridable for tests.
var elfOpen = elf.Open

// buildImage opens fileName and constructs its Image per the detail level.
// The file handle (and any debug file handle) is closed before returning on
// every path.
func buildImage(fileName string, detail Detail) (*Image, error) {
	f, err := elfOpen(fileName)
	if err != nil {
		return nil, fmt.Errorf("open ELF %s: %w", fileName, err)
	}
	defer f.Close()

	img := &Image{AbsoluteAddrs: f.Type == elf.ET_EXEC}
	img.ElfBase, img.ElfEnd = loadSegmentBounds(f)

	baseName := filepath.Base(fileName)
	b := &symBuilder{}
	debugPath := ""

	if detail != Objects {
		loadPLTSymbols(f, b)

		symtabLoaded := false
		if syms, symErr := f.Symbols(); symErr == nil {
			b.loadTable(syms)
			symtabLoaded = true
		} else if dynsyms, dynErr := f.DynamicSymbols(); dynErr == nil {
			b.loadTable(dynsyms)
		}

		if dl := f.Section(".gnu_debuglink"); dl != nil {
			linkData, dataErr := dl.Data()
			if dataErr != nil {
				linkData = nil
			}
			debugPath = findDebugFile(fileName, linkData)
			if !symtabLoaded && debugPath != "" {
				loadDebugSymbols(debugPath, b)
			}
		}
	}

	b.fillGaps(img.ElfBase, img.ElfEnd, detail, baseName)
	img.Symbols = b.finish(baseName)

	if detail == Sources {
		linePath := fileName
		if debugPath != "" {
			linePath = debugPath
		}
		img.lines = loadLineTable(linePath)
	}
	return img, nil
}

// loadSegmentBounds scans PT_LOAD program headers for the address range of
// the file: base is the lowest loaded vaddr, end the highest executable one.
func loadSegmentBounds(f *elf.File) (base, end uint64) {
	base = ^uint64(0)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr < base {
			base = prog.Vaddr
		}
		if prog.Flags&elf.PF_X != 0 && prog.Vaddr+prog.Memsz > end {
			end = prog.Vaddr + prog.Memsz
		}
	}
	if base == ^uint64(0) {
		base = 0
	}
	return base, end
}

// loadPLTSymbols wires up PLT synthesis when the needed sections exist.
// Both .rel.plt and .rela.plt spellings are recognized, matched exactly.
func loadPLTSymbols(f *elf.File, b *symBuilder) {
	plt := f.Section(".plt")
	if plt == nil || f.Section(".dynsym") == nil {
		return
	}
	for _, name := range []string{".rel.plt", ".rela.plt"} {
		if rel := f.Section(name); rel != nil {
			b.loadPLT(f, plt, rel)
		}
	}
}

// loadDebugSymbols pulls .symtab out of a detached debug file.
func loadDebugSymbols(debugPath string, b *symBuilder) {
	df, err := elfOpen(debugPath)
	if err != nil {
		log.Debugf("open debug file %s: %v", debugPath, err)
		return
	}
	defer df.Close()
	if syms, err := df.Symbols(); err == nil {
		b.loadTable(syms)
	}
}

// parseDebugLink extracts the link name from raw .gnu_debuglink contents:
// a NUL-terminated file name, padding to 4 bytes, then a CRC32 which is
// not verified here.
func parseDebugLink(data []byte) (string, uint32, bool) {
	for i, c := range data {
		if c == 0 {
			crcOff := (i + 4) &^ 3
			if crcOff+4 > len(data) {
				return "", 0, false
			}
			return string(data[:i]), binary.LittleEndian.Uint32(data[crcOff : crcOff+4]), true
		}
	}
	return "", 0, false
}

// statFile is overridable for tests.
var statFile = func(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// findDebugFile locates the detached debug file for fileName given the raw
// .gnu_debuglink contents. The embedded link name is tried first under the
// debug root next to the object's directory, then the conventional
// <root><path>.debug fallback.
func findDebugFile(fileName string, linkData []byte) string {
	if linkName, _, ok := parseDebugLink(linkData); ok && linkName != "" {
		candidate := filepath.Join(debugFileRoot, filepath.Dir(fileName), linkName)
		if statFile(candidate) {
			return candidate
		}
	}
	fallback := debugFileRoot + fileName + ".debug"
	if statFile(fallback) {
		return fallback
	}
	return ""
}
