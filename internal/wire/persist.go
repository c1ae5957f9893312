// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import "sort"

// The store persists records in the wire encoding so replicas checksum
// identically byte-for-byte.

// EncodeAttrs serializes one inode metadata record.
func EncodeAttrs(a Attrs) []byte {
	e := &encoder{}
	e.attrs(a)
	return e.buf
}

// DecodeAttrs parses a record written by EncodeAttrs.
func DecodeAttrs(buf []byte) (Attrs, error) {
	d := &decoder{buf: buf}
	a := d.attrs()
	if !d.done() {
		return Attrs{}, Errorf(ErrCorrupted, "malformed inode record")
	}
	return a, nil
}

// Listing is a persisted directory: the parent pointer plus the entries,
// ordered by name.
type Listing struct {
	Parent  uint64
	Entries []DirEntry
}

// Find returns the index of name in the listing, or -1.
func (l *Listing) Find(name string) int {
	i := sort.Search(len(l.Entries), func(i int) bool {
		return l.Entries[i].Name >= name
	})
	if i < len(l.Entries) && l.Entries[i].Name == name {
		return i
	}
	return -1
}

// Insert adds an entry, keeping the listing ordered. Reports false if the
// name is already present.
func (l *Listing) Insert(ent DirEntry) bool {
	i := sort.Search(len(l.Entries), func(i int) bool {
		return l.Entries[i].Name >= ent.Name
	})
	if i < len(l.Entries) && l.Entries[i].Name == ent.Name {
		return false
	}
	l.Entries = append(l.Entries, DirEntry{})
	copy(l.Entries[i+1:], l.Entries[i:])
	l.Entries[i] = ent
	return true
}

// Remove deletes the named entry, reporting whether it was present.
func (l *Listing) Remove(name string) (DirEntry, bool) {
	i := l.Find(name)
	if i < 0 {
		return DirEntry{}, false
	}
	ent := l.Entries[i]
	l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
	return ent, true
}

// EncodeListing serializes a directory record.
func EncodeListing(l Listing) []byte {
	e := &encoder{}
	e.u64(l.Parent)
	e.u32(uint32(len(l.Entries)))
	for _, ent := range l.Entries {
		e.str(ent.Name)
		e.u64(ent.Inode)
		e.u8(uint8(ent.Kind))
	}
	return e.buf
}

// DecodeListing parses a record written by EncodeListing.
func DecodeListing(buf []byte) (Listing, error) {
	d := &decoder{buf: buf}
	l := Listing{Parent: d.u64()}
	n := d.u32()
	for i := uint32(0); i < n && !d.bad; i++ {
		l.Entries = append(l.Entries, DirEntry{
			Name:  d.str(),
			Inode: d.u64(),
			Kind:  FileKind(d.u8()),
		})
	}
	if !d.done() {
		return Listing{}, Errorf(ErrCorrupted, "malformed directory record")
	}
	return l, nil
}

// EncodeXattrs serializes an extended attribute table with keys in sorted
// order.
func EncodeXattrs(attrs map[string][]byte) []byte {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	e := &encoder{}
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.bytes(attrs[k])
	}
	return e.buf
}

// DecodeXattrs parses a record written by EncodeXattrs.
func DecodeXattrs(buf []byte) (map[string][]byte, error) {
	d := &decoder{buf: buf}
	n := d.u32()
	attrs := make(map[string][]byte, n)
	for i := uint32(0); i < n && !d.bad; i++ {
		k := d.str()
		attrs[k] = d.bytes()
	}
	if !d.done() {
		return nil, Errorf(ErrCorrupted, "malformed xattr record")
	}
	return attrs, nil
}
