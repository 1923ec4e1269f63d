// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// Package resolver builds per-file symbol images from ELF and DWARF data.
// An Image covers the executable address range of one ELF file with a
// sorted, non-overlapping run of symbol ranges that leaves no hole of 4
// bytes or more; lookups against it are binary searches. All addresses in this package are in ELF space;
// translation from process addresses is the caller's concern.
package resolver // import "github.com/perfgrind/perfgrind/resolver"

import (
	"hash/fnv"
	"sort"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
)

// Detail selects how much of the ELF is consulted when building an Image.
type Detail int

const (
	// Objects produces a single pseudo-symbol spanning the whole file.
	Objects Detail = iota
	// Symbols loads ELF symbol tables but no line information.
	Symbols
	// Sources additionally loads the DWARF line program.
	Sources
)

func (d Detail) String() string {
	switch d {
	case Objects:
		return "object"
	case Symbols:
		return "symbol"
	case Sources:
		return "source"
	}
	return "unknown"
}

// Symbol is one resolved symbol range in ELF address space. Name is the
// display name: demangled, with @plt or @<basename> suffixes applied.
// Synthetic gap fillers have an empty Name, except the trailing filler
// at Objects detail, which is named whole@<basename>.
type Symbol struct {
	Start uint64
	End   uint64
	Name  string
	PLT   bool
}

// Image is the resolved symbol view of one ELF file.
type Image struct {
	// ElfBase is the lowest p_vaddr of any PT_LOAD segment.
	ElfBase uint64
	// ElfEnd is the highest p_vaddr+p_memsz of any executable PT_LOAD segment.
	ElfEnd uint64
	// AbsoluteAddrs is set for ET_EXEC files, whose symbol values are
	// absolute virtual addresses rather than file-relative ones.
	AbsoluteAddrs bool
	// Symbols is sorted by Start; ranges are pairwise disjoint and, apart
	// from sub-4-byte residuals, cover [ElfBase, ElfEnd).
	Symbols []Symbol

	lines []lineEntry
}

// FindSymbol returns the index of the symbol containing addr, or -1.
func (img *Image) FindSymbol(addr uint64) int {
	i := sort.Search(len(img.Symbols), func(i int) bool {
		return img.Symbols[i].End > addr
	})
	if i < len(img.Symbols) && img.Symbols[i].Start <= addr {
		return i
	}
	return -1
}

// SourceLine returns the source position recorded for addr in the line
// table, if any. Only images built at Sources detail carry line data.
func (img *Image) SourceLine(addr uint64) (file string, line int, ok bool) {
	i := sort.Search(len(img.lines), func(i int) bool {
		return img.lines[i].addr > addr
	})
	if i == 0 {
		return "", 0, false
	}
	e := img.lines[i-1]
	if e.endSeq {
		return "", 0, false
	}
	return e.file, e.line, true
}

// Fallback builds the degraded image used when an object's ELF file can not
// be read: a single unnamed symbol covering [start, end), so that entries
// keep their costs and fall through to synthetic naming at emission.
func Fallback(start, end uint64) *Image {
	if end <= start {
		end = start + 1
	}
	return &Image{
		ElfBase: start,
		ElfEnd:  end,
		Symbols: []Symbol{{Start: start, End: end}},
	}
}

type imageKey struct {
	path   string
	detail Detail
}

func hashImageKey(k imageKey) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.path))
	_, _ = h.Write([]byte{byte(k.detail)})
	return h.Sum32()
}

// imageCacheSize bounds the per-run image cache. Address spaces rarely map
// more than a few dozen distinct files.
const imageCacheSize = 128

// Cache memoizes built images per (path, detail), so a file mapped at
// several ranges is parsed once. A nil Cache disables memoization.
type Cache struct {
	images *lru.LRU[imageKey, *Image]
}

// NewCache returns an image cache.
func NewCache() *Cache {
	images, err := lru.New[imageKey, *Image](imageCacheSize, hashImageKey)
	if err != nil {
		// Only reachable with a zero capacity; degrade to uncached.
		log.Debugf("image cache unavailable: %v", err)
		return &Cache{}
	}
	return &Cache{images: images}
}

// Resolve builds (or fetches from cache) the Image for fileName at the
// given detail level. Errors are per-file: the caller degrades the object.
func (c *Cache) Resolve(fileName string, detail Detail) (*Image, error) {
	if c == nil || c.images == nil {
		return buildImage(fileName, detail)
	}
	key := imageKey{path: fileName, detail: detail}
	if img, ok := c.images.Get(key); ok {
		return img, nil
	}
	img, err := buildImage(fileName, detail)
	if err != nil {
		return nil, err
	}
	c.images.Add(key, img)
	return img, nil
}
