// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

// Package perfdata decodes the raw perf_event record stream written by the
// companion collector. The stream is a plain sequence of records, each framed
// by the 8-byte perf_event_header; there is no file magic and no attribute
// section, so the decoder trusts the producer's word size and endianness.
package perfdata // import "github.com/perfgrind/perfgrind/perfdata"

// Record type values from linux/perf_event.h. Only mmap and sample records
// carry information the profile needs; everything else is skipped.
const (
	RecordMmap   uint32 = 1
	RecordSample uint32 = 9
)

// Callchain context markers (enum perf_callchain_context). The kernel stores
// them as negative values in the otherwise-address u64 slots.
const (
	ContextHV          uint64 = 0xffffffffffffffe0 // -32
	ContextKernel      uint64 = 0xffffffffffffff80 // -128
	ContextUser        uint64 = 0xfffffffffffffe00 // -512
	ContextGuest       uint64 = 0xfffffffffffff800 // -2048
	ContextGuestKernel uint64 = 0xfffffffffffff780 // -2176
	ContextGuestUser   uint64 = 0xfffffffffffff600 // -2560
	ContextMax         uint64 = 0xfffffffffffff001 // -4095
)

// MaxStackDepth matches PERF_MAX_STACK_DEPTH. Deeper callchains can be
// produced on kernels with raised perf_event_max_stack; the accumulator
// truncates the walk at this depth.
const MaxStackDepth = 127

// Header is the fixed framing in front of every record.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// HeaderSize is the on-disk size of Header.
const HeaderSize = 8

// Record is an mmap or sample record decoded from the stream.
type Record interface {
	// Type returns the PERF_RECORD_* value of the record.
	Type() uint32
}

// MmapRecord describes one file-backed mapping of the profiled process.
// The collector synthesizes these from /proc/<pid>/maps for pre-existing
// mappings; kernel-produced ones look the same.
type MmapRecord struct {
	PID        uint32
	TID        uint32
	Address    uint64
	Length     uint64
	PageOffset uint64
	FileName   string
}

func (*MmapRecord) Type() uint32 { return RecordMmap }

// SampleRecord is one sampled instruction pointer with its callchain.
// The collector enables only PERF_SAMPLE_IP and PERF_SAMPLE_CALLCHAIN,
// so no other sample fields exist on the wire.
type SampleRecord struct {
	IP        uint64
	Callchain []uint64
}

func (*SampleRecord) Type() uint32 { return RecordSample }
