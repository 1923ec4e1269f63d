// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/perfgrind/perfgrind/profile"

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/perfgrind/perfgrind/resolver"
)

// BranchState tracks the branch-key representation of an EntryData.
type BranchState int

const (
	// BranchesRaw: branch keys are raw callee addresses; the only state
	// accepting new branches.
	BranchesRaw BranchState = iota
	// BranchesResolved: branch keys are symbol references.
	BranchesResolved
	// BranchesFrozen: resolved and immutable, set once emission finishes.
	BranchesFrozen
)

// SymbolRef identifies a resolved symbol as (object index, symbol index)
// into the profile's object slice. Indices are stable once cleanup ran.
type SymbolRef struct {
	Object int
	Symbol int
}

// CallCost is one fixed-up call edge with its accumulated count.
type CallCost struct {
	Callee SymbolRef
	Count  Count
}

// SymbolInfo is a resolved symbol attached to a memory object. The range is
// in ELF address space. SourceFile/SourceLine describe the symbol's first
// instruction and are filled lazily for symbols that show up in output.
type SymbolInfo struct {
	Range      Range
	Name       string
	PLT        bool
	SourceFile string
	SourceLine int

	sourceKnown bool
}

// EntryData carries the costs accumulated at one sampled instruction.
type EntryData struct {
	Count      Count
	SourceFile string
	SourceLine int

	symbol int // index into the owning object's symbols, -1 until resolved

	state    BranchState
	branches map[Address]Count
	calls    []CallCost
}

// Symbol returns the index of the entry's enclosing symbol, or -1.
func (e *EntryData) Symbol() int { return e.symbol }

// State returns the branch-state of the entry.
func (e *EntryData) State() BranchState { return e.state }

// Branches returns the raw callee-address branch map. Valid only while the
// entry is in BranchesRaw state.
func (e *EntryData) Branches() map[Address]Count { return e.branches }

// Calls returns the fixed-up call edges in callee symbol address order.
// Empty until the entry reaches BranchesResolved.
func (e *EntryData) Calls() []CallCost { return e.calls }

// addBranch accumulates a raw branch. Inserts outside BranchesRaw violate
// the branch state machine: diagnosed and ignored, the maps stay intact.
func (e *EntryData) addBranch(callTo Address) {
	if e.state != BranchesRaw {
		log.Debugf("dropping late branch to %#x: entry already resolved", callTo)
		return
	}
	if e.branches == nil {
		e.branches = make(map[Address]Count)
	}
	e.branches[callTo]++
}

// MemoryObject is one mmap-ed file range of the profiled process, holding
// the entries sampled inside it and, after resolution, its symbols.
type MemoryObject struct {
	Range      Range
	FileName   string
	PageOffset uint64

	entries map[Address]*EntryData
	addrs   []Address // sorted key cache, rebuilt when entries change

	absoluteAddrs bool
	symbols       []SymbolInfo
	img           *resolver.Image
}

func newMemoryObject(rng Range, fileName string, pageOffset uint64) *MemoryObject {
	return &MemoryObject{
		Range:      rng,
		FileName:   fileName,
		PageOffset: pageOffset,
		entries:    make(map[Address]*EntryData),
	}
}

// UsesAbsoluteAddresses reports whether the backing ELF is ET_EXEC, i.e.
// its symbol values are absolute process addresses. Valid after resolution.
func (o *MemoryObject) UsesAbsoluteAddresses() bool { return o.absoluteAddrs }

// MapToElf translates a process address into ELF address space.
func (o *MemoryObject) MapToElf(addr Address) Address {
	if o.absoluteAddrs {
		return addr
	}
	return addr - o.Range.Start + Address(o.PageOffset)
}

// MapFromElf translates an ELF address back into process space.
func (o *MemoryObject) MapFromElf(addr Address) Address {
	if o.absoluteAddrs {
		return addr
	}
	return addr + o.Range.Start - Address(o.PageOffset)
}

// appendEntry returns the entry for addr, creating it with zero cost.
func (o *MemoryObject) appendEntry(addr Address) *EntryData {
	e, ok := o.entries[addr]
	if !ok {
		e = &EntryData{symbol: -1, SourceFile: UnknownFile}
		o.entries[addr] = e
		o.addrs = nil
	}
	return e
}

// EntryCount returns the number of sampled instruction addresses.
func (o *MemoryObject) EntryCount() int { return len(o.entries) }

// Addresses returns the sampled addresses in ascending order.
func (o *MemoryObject) Addresses() []Address {
	if o.addrs == nil {
		o.addrs = make([]Address, 0, len(o.entries))
		for addr := range o.entries {
			o.addrs = append(o.addrs, addr)
		}
		sort.Slice(o.addrs, func(i, j int) bool { return o.addrs[i] < o.addrs[j] })
	}
	return o.addrs
}

// Entry returns the entry at addr, or nil.
func (o *MemoryObject) Entry(addr Address) *EntryData { return o.entries[addr] }

// Symbols returns the object's resolved symbols in ELF address order.
func (o *MemoryObject) Symbols() []SymbolInfo { return o.symbols }

// SymbolAt returns the resolved symbol with the given index.
func (o *MemoryObject) SymbolAt(idx int) *SymbolInfo { return &o.symbols[idx] }

// findSymbol returns the index of the symbol containing the ELF address.
func (o *MemoryObject) findSymbol(elfAddr Address) int {
	if o.img == nil {
		return -1
	}
	return o.img.FindSymbol(uint64(elfAddr))
}

// freeze moves all resolved entries to the frozen state after emission.
func (o *MemoryObject) freeze() {
	for _, e := range o.entries {
		if e.state == BranchesResolved {
			e.state = BranchesFrozen
		}
	}
}
