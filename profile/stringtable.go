// Copyright The Perfgrind Authors
// SPDX-License-Identifier: Apache-2.0

package profile // import "github.com/perfgrind/perfgrind/profile"

// UnknownFile is the sentinel source file for positions without line info.
const UnknownFile = "???"

// StringTable interns source file paths so that equal paths share one
// canonical string instance for the lifetime of the profile. Entries are
// never removed.
type StringTable struct {
	strings map[string]string
}

// NewStringTable returns an empty table.
func NewStringTable() *StringTable {
	return &StringTable{strings: make(map[string]string)}
}

// Intern returns the canonical instance of s, storing it on first sight.
// The empty string interns to the UnknownFile sentinel.
func (t *StringTable) Intern(s string) string {
	if s == "" {
		return UnknownFile
	}
	if canonical, ok := t.strings[s]; ok {
		return canonical
	}
	t.strings[s] = s
	return s
}

// Len returns the number of distinct interned strings.
func (t *StringTable) Len() int {
	return len(t.strings)
}
