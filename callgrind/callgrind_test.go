// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package callgrind

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgrind/perfgrind/perfdata"
	"github.com/perfgrind/perfgrind/profile"
	"github.com/perfgrind/perfgrind/resolver"
)

type fakeResolver map[string]*resolver.Image

func (f fakeResolver) Resolve(fileName string, _ resolver.Detail) (*resolver.Image, error) {
	if img, ok := f[fileName]; ok {
		return img, nil
	}
	return nil, errors.New("no such ELF")
}

func userSample(ip uint64, frames ...uint64) *perfdata.SampleRecord {
	chain := append([]uint64{perfdata.ContextUser, ip}, frames...)
	return &perfdata.SampleRecord{IP: ip, Callchain: chain}
}

func dumpString(t *testing.T, p *profile.Profile, opts Options) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, p, opts))
	return buf.String()
}

func TestDumpObjectsDetail(t *testing.T) {
	p := profile.New(profile.Flat)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x400000, Length: 0x1000, FileName: "/bin/true"})
	p.AddSample(userSample(0x400500))

	p.ResolveWith(fakeResolver{
		"/bin/true": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0, End: 0x1000, Name: "whole@true"}},
		},
	}, resolver.Objects)

	got := dumpString(t, p, Options{Detail: resolver.Objects})
	want := `positions: line
events: Cycles

ob=/bin/true
fn=whole@true
0 1

`
	assert.Equal(t, want, got)
}

func callGraphProfile(t *testing.T) *profile.Profile {
	t.Helper()
	p := profile.New(profile.CallGraph)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x1000, Length: 0x1000, FileName: "/lib/libA.so"})
	p.AddMmap(&perfdata.MmapRecord{Address: 0x7000, Length: 0x1000, FileName: "/bin/app"})
	p.AddSample(userSample(0x1100, 0x7100))
	p.AddSample(userSample(0x1108, 0x7100))

	p.ResolveWith(fakeResolver{
		"/lib/libA.so": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0x100, End: 0x200, Name: "a_fn"}},
		},
		"/bin/app": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0x100, End: 0x200, Name: "main"}},
		},
	}, resolver.Symbols)
	p.FixupBranches()
	return p
}

func TestDumpCallGraph(t *testing.T) {
	got := dumpString(t, callGraphProfile(t), Options{Detail: resolver.Symbols})
	want := `positions: line
events: Cycles

ob=/lib/libA.so
fl=???
fn=a_fn
0 2

ob=/bin/app
fl=???
fn=main
cob=/lib/libA.so
cfi=???
cfn=a_fn
calls=1 0
0 2

`
	assert.Equal(t, want, got)
}

func TestDumpDeterministic(t *testing.T) {
	// P6: two dumps of the same model are byte-identical.
	p := callGraphProfile(t)
	first := dumpString(t, p, Options{Detail: resolver.Symbols})
	second := dumpString(t, p, Options{Detail: resolver.Symbols})
	assert.Equal(t, first, second)
}

func TestDumpOrdering(t *testing.T) {
	// P7: objects ascend by range, symbols ascend within an object.
	p := profile.New(profile.Flat)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x7000, Length: 0x1000, FileName: "/lib/z.so"})
	p.AddMmap(&perfdata.MmapRecord{Address: 0x1000, Length: 0x1000, FileName: "/lib/a.so"})
	p.AddSample(userSample(0x7800))
	p.AddSample(userSample(0x1800))
	p.AddSample(userSample(0x1100))

	p.ResolveWith(fakeResolver{
		"/lib/a.so": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{
				{Start: 0, End: 0x400, Name: "early"},
				{Start: 0x400, End: 0x1000, Name: "late"},
			},
		},
		"/lib/z.so": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0, End: 0x1000, Name: "zfn"}},
		},
	}, resolver.Symbols)

	got := dumpString(t, p, Options{Detail: resolver.Symbols})

	posA := bytes.Index([]byte(got), []byte("ob=/lib/a.so"))
	posZ := bytes.Index([]byte(got), []byte("ob=/lib/z.so"))
	require.GreaterOrEqual(t, posA, 0)
	require.Greater(t, posZ, posA)

	posEarly := bytes.Index([]byte(got), []byte("fn=early"))
	posLate := bytes.Index([]byte(got), []byte("fn=late"))
	require.GreaterOrEqual(t, posEarly, 0)
	assert.Greater(t, posLate, posEarly)
}

func TestDumpInstructionLevel(t *testing.T) {
	p := profile.New(profile.Flat)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x400000, Length: 0x1000, FileName: "/a.out"})
	p.AddSample(userSample(0x400550))

	p.ResolveWith(fakeResolver{
		"/a.out": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0x500, End: 0x600, Name: "foo"}},
		},
	}, resolver.Symbols)

	got := dumpString(t, p, Options{DumpInstructions: true, Detail: resolver.Symbols})
	want := `positions: instr line
events: Cycles

ob=/a.out
fl=???
fn=foo
0x550 0 1

`
	assert.Equal(t, want, got)
}

func TestDumpPLTSuffixAppears(t *testing.T) {
	// P8: PLT symbols carry their @plt suffix into the output.
	p := profile.New(profile.Flat)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x400000, Length: 0x1000, FileName: "/a.out"})
	p.AddSample(userSample(0x400510))

	p.ResolveWith(fakeResolver{
		"/a.out": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0x500, End: 0x520, Name: "memcpy@plt", PLT: true}},
		},
	}, resolver.Symbols)

	got := dumpString(t, p, Options{Detail: resolver.Symbols})
	assert.Contains(t, got, "fn=memcpy@plt\n")
}

func TestDumpSyntheticNameFallback(t *testing.T) {
	// Unreadable ELF: the whole-range fallback symbol has no name, so the
	// emitter derives func_<hex> from the process-space start address.
	p := profile.New(profile.Flat)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x400000, Length: 0x1000, FileName: "/gone"})
	p.AddSample(userSample(0x400500))

	p.ResolveWith(fakeResolver{}, resolver.Symbols)

	got := dumpString(t, p, Options{Detail: resolver.Symbols})
	assert.Contains(t, got, "fn=func_400000\n")
	assert.Contains(t, got, "0 1\n")
}

func TestDumpSelfCallElided(t *testing.T) {
	// After fixup no output line may call back into its own symbol.
	p := profile.New(profile.CallGraph)
	p.AddMmap(&perfdata.MmapRecord{Address: 0x400000, Length: 0x1000, FileName: "/a.out"})
	p.AddSample(userSample(0x400550, 0x400520))

	p.ResolveWith(fakeResolver{
		"/a.out": {
			ElfBase: 0, ElfEnd: 0x1000,
			Symbols: []resolver.Symbol{{Start: 0x500, End: 0x600, Name: "foo"}},
		},
	}, resolver.Symbols)
	p.FixupBranches()

	got := dumpString(t, p, Options{Detail: resolver.Symbols})
	assert.NotContains(t, got, "cfn=foo")
	assert.Contains(t, got, "fn=foo\n")
	assert.Contains(t, got, "0 1\n")
}
