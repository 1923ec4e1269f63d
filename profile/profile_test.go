// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package profile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgrind/perfgrind/perfdata"
)

func mmapRecord(addr, length, pgoff uint64, fileName string) *perfdata.MmapRecord {
	return &perfdata.MmapRecord{Address: addr, Length: length, PageOffset: pgoff, FileName: fileName}
}

func sampleRecord(ip uint64, chain ...uint64) *perfdata.SampleRecord {
	return &perfdata.SampleRecord{IP: ip, Callchain: chain}
}

func userSample(ip uint64, frames ...uint64) *perfdata.SampleRecord {
	chain := append([]uint64{perfdata.ContextUser, ip}, frames...)
	return sampleRecord(ip, chain...)
}

func TestAddMmapKeepsObjectsSorted(t *testing.T) {
	p := New(Flat)
	p.AddMmap(mmapRecord(0x7000, 0x1000, 0, "/lib/b.so"))
	p.AddMmap(mmapRecord(0x1000, 0x1000, 0, "/lib/a.so"))
	p.AddMmap(mmapRecord(0x4000, 0x1000, 0, "/lib/c.so"))

	objs := p.Objects()
	require.Len(t, objs, 3)
	assert.Equal(t, "/lib/a.so", objs[0].FileName)
	assert.Equal(t, "/lib/c.so", objs[1].FileName)
	assert.Equal(t, "/lib/b.so", objs[2].FileName)
	assert.Equal(t, uint64(3), p.MmapEvents())
}

func TestAddMmapRejectsOverlap(t *testing.T) {
	// Address-space reuse: the first mapping of a range wins.
	p := New(Flat)
	p.AddMmap(mmapRecord(0x7000, 0x1000, 0, "/lib/libA.so"))
	p.AddMmap(mmapRecord(0x7000, 0x1000, 0, "/lib/libB.so"))

	objs := p.Objects()
	require.Len(t, objs, 1)
	assert.Equal(t, "/lib/libA.so", objs[0].FileName)
	assert.Equal(t, uint64(2), p.MmapEvents())

	// Samples in the range attribute to the surviving object.
	p.AddSample(userSample(0x7800))
	assert.Equal(t, 1, objs[0].EntryCount())
}

func TestAddMmapRejectsPartialOverlap(t *testing.T) {
	p := New(Flat)
	p.AddMmap(mmapRecord(0x1000, 0x2000, 0, "/lib/a.so"))
	p.AddMmap(mmapRecord(0x2000, 0x2000, 0, "/lib/b.so"))

	require.Len(t, p.Objects(), 1)
}

func TestAddSampleFlat(t *testing.T) {
	p := New(Flat)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))
	p.AddSample(userSample(0x400500))

	require.Len(t, p.Objects(), 1)
	obj := p.Objects()[0]
	assert.Equal(t, 1, obj.EntryCount())
	assert.Equal(t, Count(1), obj.Entry(0x400500).Count)
	assert.Equal(t, uint64(1), p.GoodSamples())
	assert.Equal(t, uint64(0), p.NonUserSamples())
	assert.Equal(t, uint64(0), p.UnmappedSamples())
}

func TestAddSampleUnmapped(t *testing.T) {
	p := New(Flat)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))
	p.AddSample(userSample(0x500000))

	assert.Equal(t, uint64(1), p.UnmappedSamples())
	assert.Equal(t, uint64(0), p.GoodSamples())
	p.cleanup()
	assert.Empty(t, p.Objects())
}

func TestAddSampleNonUserContext(t *testing.T) {
	p := New(Flat)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))

	// Kernel-context leading marker.
	p.AddSample(sampleRecord(0x400500, perfdata.ContextKernel, 0x400500))
	// Too-short callchain.
	p.AddSample(sampleRecord(0x400500, perfdata.ContextUser))

	assert.Equal(t, uint64(2), p.NonUserSamples())
	assert.Equal(t, uint64(0), p.GoodSamples())
}

func TestCallchainBranches(t *testing.T) {
	p := New(CallGraph)
	p.AddMmap(mmapRecord(0x400000, 0x10000, 0, "/bin/app"))
	// ip sampled in leaf, called from 0x401000, which was called from 0x402000.
	p.AddSample(userSample(0x400500, 0x401000, 0x402000))

	obj := p.Objects()[0]
	require.Equal(t, 3, obj.EntryCount())
	assert.Equal(t, Count(1), obj.Entry(0x400500).Count)

	caller := obj.Entry(0x401000)
	require.NotNil(t, caller)
	assert.Equal(t, Count(0), caller.Count)
	assert.Equal(t, Count(1), caller.Branches()[0x400500])

	outer := obj.Entry(0x402000)
	require.NotNil(t, outer)
	assert.Equal(t, Count(1), outer.Branches()[0x401000])
}

func TestCallchainKernelFramesSkipped(t *testing.T) {
	// A kernel context marker disables the walk until a user marker
	// re-enables it; none follows here, so nothing after the marker counts.
	p := New(CallGraph)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))
	p.AddSample(sampleRecord(0x400500,
		perfdata.ContextUser, 0x400500, perfdata.ContextKernel, 0xffffff00, 0x400600))

	obj := p.Objects()[0]
	assert.Equal(t, 1, obj.EntryCount())
	entry := obj.Entry(0x400500)
	assert.Equal(t, Count(1), entry.Count)
	assert.Empty(t, entry.Branches())
	assert.Equal(t, uint64(1), p.GoodSamples())
}

func TestCallchainDuplicateFramesSkipped(t *testing.T) {
	p := New(CallGraph)
	p.AddMmap(mmapRecord(0x400000, 0x10000, 0, "/bin/app"))
	p.AddSample(userSample(0x400500, 0x400500, 0x400500, 0x401000))

	obj := p.Objects()[0]
	require.Equal(t, 2, obj.EntryCount())
	assert.Equal(t, Count(1), obj.Entry(0x401000).Branches()[0x400500])
}

func TestCallchainUnmappedFramesSkipped(t *testing.T) {
	p := New(CallGraph)
	p.AddMmap(mmapRecord(0x400000, 0x10000, 0, "/bin/app"))
	// 0x90000000 hits no object: garbage from frame-pointer unwinding.
	p.AddSample(userSample(0x400500, 0x90000000, 0x401000))

	obj := p.Objects()[0]
	require.Equal(t, 2, obj.EntryCount())
	// The branch from 0x401000 still targets the sampled ip.
	assert.Equal(t, Count(1), obj.Entry(0x401000).Branches()[0x400500])
	assert.Equal(t, uint64(1), p.GoodSamples())
}

func TestCallchainDepthTruncated(t *testing.T) {
	p := New(CallGraph)
	p.AddMmap(mmapRecord(0x400000, 0x100000, 0, "/bin/app"))

	frames := make([]uint64, 0, 140)
	for i := 0; i < 140; i++ {
		frames = append(frames, uint64(0x410000+i*16))
	}
	rec := userSample(0x400500, frames...)
	require.Greater(t, len(rec.Callchain), perfdata.MaxStackDepth)
	p.AddSample(rec)

	obj := p.Objects()[0]
	// Chain index MaxStackDepth-1 is the last one walked.
	lastWalked := Address(rec.Callchain[perfdata.MaxStackDepth-1])
	firstTruncated := Address(rec.Callchain[perfdata.MaxStackDepth])
	assert.NotNil(t, obj.Entry(lastWalked))
	assert.Nil(t, obj.Entry(firstTruncated))
}

func TestCountsConservation(t *testing.T) {
	// P4: good + nonUser + unmapped == number of sample records.
	p := New(Flat)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))

	samples := []*perfdata.SampleRecord{
		userSample(0x400500),
		userSample(0x400501),
		userSample(0x600000),
		sampleRecord(0x400500, perfdata.ContextKernel, 0x400500),
		sampleRecord(0x400500),
	}
	for _, s := range samples {
		p.AddSample(s)
	}

	assert.Equal(t, uint64(len(samples)), p.SampleEvents())
	assert.Equal(t, uint64(2), p.GoodSamples())
	assert.Equal(t, uint64(2), p.NonUserSamples())
	assert.Equal(t, uint64(1), p.UnmappedSamples())
}

func TestFlatCountsSumToGoodSamples(t *testing.T) {
	// P9: the exclusive counts across entries account for every good sample.
	p := New(Flat)
	p.AddMmap(mmapRecord(0x400000, 0x1000, 0, "/bin/true"))
	for i := 0; i < 10; i++ {
		p.AddSample(userSample(0x400500 + uint64(i%3)))
	}

	var total Count
	for _, obj := range p.Objects() {
		for _, addr := range obj.Addresses() {
			total += obj.Entry(addr).Count
		}
	}
	assert.Equal(t, uint64(total), p.GoodSamples())
}

func putTestRecord(buf *bytes.Buffer, typ uint32, payload []byte) {
	var hdr [perfdata.HeaderSize]byte
	binary.NativeEndian.PutUint32(hdr[0:4], typ)
	binary.NativeEndian.PutUint16(hdr[6:8], uint16(perfdata.HeaderSize+len(payload)))
	buf.Write(hdr[:])
	buf.Write(payload)
}

func TestLoadDropsEmptyObjects(t *testing.T) {
	var buf bytes.Buffer

	mmap := make([]byte, 32)
	binary.NativeEndian.PutUint64(mmap[8:16], 0x400000)
	binary.NativeEndian.PutUint64(mmap[16:24], 0x1000)
	mmap = append(mmap, "/bin/true\x00\x00\x00\x00\x00\x00\x00"...)
	putTestRecord(&buf, perfdata.RecordMmap, mmap)

	// Second mapping never gets a sample.
	mmap2 := make([]byte, 32)
	binary.NativeEndian.PutUint64(mmap2[8:16], 0x600000)
	binary.NativeEndian.PutUint64(mmap2[16:24], 0x1000)
	mmap2 = append(mmap2, "/lib/idle.so\x00\x00\x00\x00"...)
	putTestRecord(&buf, perfdata.RecordMmap, mmap2)

	sample := make([]byte, 16+2*8)
	binary.NativeEndian.PutUint64(sample[0:8], 0x400500)
	binary.NativeEndian.PutUint64(sample[8:16], 2)
	binary.NativeEndian.PutUint64(sample[16:24], perfdata.ContextUser)
	binary.NativeEndian.PutUint64(sample[24:32], 0x400500)
	putTestRecord(&buf, perfdata.RecordSample, sample)

	p := New(Flat)
	require.NoError(t, p.Load(perfdata.NewReader(&buf)))

	require.Len(t, p.Objects(), 1)
	assert.Equal(t, "/bin/true", p.Objects()[0].FileName)
	assert.Equal(t, uint64(2), p.MmapEvents())
	assert.Equal(t, uint64(1), p.GoodSamples())
	assert.Equal(t, 1, p.EntryCount())
}
