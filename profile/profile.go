// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile holds the in-memory profile model: the interval map of
// mmap-ed objects, the per-address cost entries accumulated from samples,
// and the resolution and branch-fixup passes that prepare the model for
// emission. The whole pipeline is single-threaded; nothing here locks.
package profile // import "github.com/perfgrind/perfgrind/profile"

import (
	"io"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/perfgrind/perfgrind/perfdata"
	"github.com/perfgrind/perfgrind/resolver"
)

// Mode selects how much of each sample the accumulator keeps.
type Mode int

const (
	// Flat records exclusive costs only.
	Flat Mode = iota
	// CallGraph additionally records call edges from the callchains.
	CallGraph
)

// Profile is the root of the model. Objects are kept sorted by range start;
// ranges are pairwise disjoint.
type Profile struct {
	mode    Mode
	objects []*MemoryObject
	strings *StringTable

	mmapEvents      uint64
	goodSamples     uint64
	nonUserSamples  uint64
	unmappedSamples uint64
}

// New returns an empty profile accumulating in the given mode.
func New(mode Mode) *Profile {
	return &Profile{mode: mode, strings: NewStringTable()}
}

// Mode returns the accumulation mode.
func (p *Profile) Mode() Mode { return p.mode }

// Objects returns the memory objects in ascending range order.
func (p *Profile) Objects() []*MemoryObject { return p.objects }

// MmapEvents returns the number of MMAP records seen.
func (p *Profile) MmapEvents() uint64 { return p.mmapEvents }

// GoodSamples returns the number of samples attributed to an object.
func (p *Profile) GoodSamples() uint64 { return p.goodSamples }

// NonUserSamples returns the number of samples rejected by the context gate.
func (p *Profile) NonUserSamples() uint64 { return p.nonUserSamples }

// UnmappedSamples returns the number of samples whose IP hit no object.
func (p *Profile) UnmappedSamples() uint64 { return p.unmappedSamples }

// SampleEvents returns the total number of SAMPLE records seen.
func (p *Profile) SampleEvents() uint64 {
	return p.goodSamples + p.nonUserSamples + p.unmappedSamples
}

// EntryCount returns the number of sampled addresses across all objects.
func (p *Profile) EntryCount() int {
	n := 0
	for _, obj := range p.objects {
		n += obj.EntryCount()
	}
	return n
}

// Symbol resolves a SymbolRef to its object and symbol.
func (p *Profile) Symbol(ref SymbolRef) (*MemoryObject, *SymbolInfo) {
	obj := p.objects[ref.Object]
	return obj, obj.SymbolAt(ref.Symbol)
}

// Load drains the record stream into the profile and drops objects that
// collected no entries. Only stream-level errors are returned; they are
// fatal to the run.
func (p *Profile) Load(r *perfdata.Reader) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch rec := rec.(type) {
		case *perfdata.MmapRecord:
			p.AddMmap(rec)
		case *perfdata.SampleRecord:
			p.AddSample(rec)
		}
	}
	p.cleanup()
	return nil
}

// AddMmap registers a mapping. A record overlapping an existing object is
// discarded so that the interval map stays disjoint; the first mapping of
// an address range wins.
func (p *Profile) AddMmap(rec *perfdata.MmapRecord) {
	p.mmapEvents++
	rng := Range{Start: Address(rec.Address), End: Address(rec.Address + rec.Length)}
	if rng.End <= rng.Start {
		log.Debugf("mmap of %s has empty range %#x+%#x", rec.FileName, rec.Address, rec.Length)
		return
	}

	i := sort.Search(len(p.objects), func(i int) bool {
		return p.objects[i].Range.End > rng.Start
	})
	if i < len(p.objects) && p.objects[i].Range.Overlaps(rng) {
		log.Debugf("mmap %#x-%#x %s overlaps %#x-%#x %s, record discarded",
			rng.Start, rng.End, rec.FileName,
			p.objects[i].Range.Start, p.objects[i].Range.End, p.objects[i].FileName)
		return
	}

	obj := newMemoryObject(rng, rec.FileName, rec.PageOffset)
	p.objects = append(p.objects, nil)
	copy(p.objects[i+1:], p.objects[i:])
	p.objects[i] = obj
}

// findObject returns the object containing addr and its index, or (nil, -1).
func (p *Profile) findObject(addr Address) (*MemoryObject, int) {
	i := sort.Search(len(p.objects), func(i int) bool {
		return p.objects[i].Range.End > addr
	})
	if i < len(p.objects) && p.objects[i].Range.Contains(addr) {
		return p.objects[i], i
	}
	return nil, -1
}

// AddSample attributes one sample to the model per the accumulation rules:
// context gate, IP mapping, exclusive count, then (in CallGraph mode) the
// callchain walk deriving raw branch edges.
func (p *Profile) AddSample(rec *perfdata.SampleRecord) {
	if len(rec.Callchain) < 2 || rec.Callchain[0] != perfdata.ContextUser {
		p.nonUserSamples++
		return
	}

	ip := Address(rec.IP)
	obj, _ := p.findObject(ip)
	if obj == nil {
		p.unmappedSamples++
		return
	}

	obj.appendEntry(ip).Count++
	p.goodSamples++

	if p.mode != CallGraph {
		return
	}

	skipFrame := false
	callTo := ip
	depth := len(rec.Callchain)
	if depth > perfdata.MaxStackDepth {
		depth = perfdata.MaxStackDepth
	}
	for i := 2; i < depth; i++ {
		value := rec.Callchain[i]
		if value > perfdata.ContextMax {
			// Context switch marker; drop frames until user mode returns.
			skipFrame = value != perfdata.ContextUser
			continue
		}
		callFrom := Address(value)
		if skipFrame || callFrom == callTo {
			continue
		}
		fromObj, _ := p.findObject(callFrom)
		if fromObj == nil {
			// Frame-pointer unwinding produces garbage on code built
			// without frame pointers; unmappable frames are skipped.
			continue
		}
		fromObj.appendEntry(callFrom).addBranch(callTo)
		callTo = callFrom
	}
}

// cleanup drops objects that collected no entries.
func (p *Profile) cleanup() {
	kept := p.objects[:0]
	for _, obj := range p.objects {
		if obj.EntryCount() > 0 {
			kept = append(kept, obj)
		}
	}
	p.objects = kept
}

// ImageResolver provides per-file symbol images. *resolver.Cache is the
// production implementation.
type ImageResolver interface {
	Resolve(fileName string, detail resolver.Detail) (*resolver.Image, error)
}

// Resolve runs the address resolver over every object in address order,
// attaching symbols to the objects and symbol references (plus source
// positions at Sources detail) to the entries. Unresolvable files degrade
// to a synthetic whole-range symbol; entries falling outside all symbol
// ranges are dropped.
func (p *Profile) Resolve(detail resolver.Detail) {
	p.ResolveWith(resolver.NewCache(), detail)
}

// ResolveWith is Resolve with an explicit image source.
func (p *Profile) ResolveWith(r ImageResolver, detail resolver.Detail) {
	withSources := detail == resolver.Sources

	for _, obj := range p.objects {
		img, err := r.Resolve(obj.FileName, detail)
		if err != nil {
			log.Warnf("no symbols for %s: %v", obj.FileName, err)
			img = resolver.Fallback(obj.PageOffset, obj.PageOffset+obj.Range.Length())
		}
		obj.img = img
		obj.absoluteAddrs = img.AbsoluteAddrs
		obj.symbols = make([]SymbolInfo, len(img.Symbols))
		for i, sym := range img.Symbols {
			obj.symbols[i] = SymbolInfo{
				Range:      Range{Start: Address(sym.Start), End: Address(sym.End)},
				Name:       sym.Name,
				PLT:        sym.PLT,
				SourceFile: UnknownFile,
			}
		}

		for _, addr := range obj.Addresses() {
			entry := obj.entries[addr]
			elfAddr := obj.MapToElf(addr)
			idx := obj.findSymbol(elfAddr)
			if idx < 0 {
				log.Debugf("no symbol for address %#x (ELF %#x) in %s, entry dropped",
					addr, elfAddr, obj.FileName)
				delete(obj.entries, addr)
				obj.addrs = nil
				continue
			}
			entry.symbol = idx
			p.fillSymbolSource(obj, idx)
			if withSources {
				if file, line, ok := obj.img.SourceLine(uint64(elfAddr)); ok {
					entry.SourceFile = p.strings.Intern(file)
					entry.SourceLine = line
				}
			}
		}
	}
}

// fillSymbolSource records the source position of the symbol's first
// instruction, once, for symbols that appear in output.
func (p *Profile) fillSymbolSource(obj *MemoryObject, idx int) {
	sym := &obj.symbols[idx]
	if sym.sourceKnown {
		return
	}
	sym.sourceKnown = true
	if obj.img == nil {
		return
	}
	if file, line, ok := obj.img.SourceLine(uint64(sym.Range.Start)); ok {
		sym.SourceFile = p.strings.Intern(file)
		sym.SourceLine = line
	}
}

// FixupBranches rewrites every entry's branch map from raw callee addresses
// to resolved symbol references, collapsing edges per callee symbol and
// eliding self-calls. Entries left with zero cost and no edges are dropped.
func (p *Profile) FixupBranches() {
	for objIdx, obj := range p.objects {
		for _, addr := range obj.Addresses() {
			entry := obj.entries[addr]
			if entry.state != BranchesRaw {
				continue
			}
			self := SymbolRef{Object: objIdx, Symbol: entry.symbol}

			var agg map[SymbolRef]Count
			for calleeAddr, count := range entry.branches {
				callee, ok := p.resolveCallee(calleeAddr)
				if !ok {
					log.Debugf("branch target %#x resolves to no symbol, edge dropped", calleeAddr)
					continue
				}
				if callee == self {
					continue
				}
				if agg == nil {
					agg = make(map[SymbolRef]Count)
				}
				agg[callee] += count
			}

			if entry.Count == 0 && len(agg) == 0 {
				delete(obj.entries, addr)
				obj.addrs = nil
				continue
			}

			entry.calls = make([]CallCost, 0, len(agg))
			for ref, count := range agg {
				entry.calls = append(entry.calls, CallCost{Callee: ref, Count: count})
			}
			sort.Slice(entry.calls, func(i, j int) bool {
				a, b := entry.calls[i].Callee, entry.calls[j].Callee
				if a.Object != b.Object {
					return a.Object < b.Object
				}
				return a.Symbol < b.Symbol
			})
			entry.branches = nil
			entry.state = BranchesResolved
		}
	}
}

// resolveCallee maps a raw branch target address to a symbol reference and
// fills the callee symbol's source position for emission.
func (p *Profile) resolveCallee(addr Address) (SymbolRef, bool) {
	obj, objIdx := p.findObject(addr)
	if obj == nil {
		return SymbolRef{}, false
	}
	symIdx := obj.findSymbol(obj.MapToElf(addr))
	if symIdx < 0 {
		return SymbolRef{}, false
	}
	p.fillSymbolSource(obj, symIdx)
	return SymbolRef{Object: objIdx, Symbol: symIdx}, true
}

// Freeze marks all resolved entries immutable once emission is complete.
func (p *Profile) Freeze() {
	for _, obj := range p.objects {
		obj.freeze()
	}
}
