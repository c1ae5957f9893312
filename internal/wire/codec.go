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

import (
	"encoding/binary"
	"io"
)

// All scalars on the wire are little-endian. Strings and byte blobs are a
// u32 length followed by the raw bytes, no terminator. Optional scalars are
// a one-byte presence flag followed by the value when present.

// MaxFrameSize bounds a single frame; larger length prefixes are treated as
// corrupt input.
const MaxFrameSize = 1 << 26 // 64 MiB

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, Errorf(ErrBadRequest, "frame length %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w with a u32 little-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) { e.bytes([]byte(s)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) optU32(v *uint32) {
	if v == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.u32(*v)
}

func (e *encoder) optU64(v *uint64) {
	if v == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.u64(*v)
}

func (e *encoder) timestamp(t Timestamp) {
	e.i64(t.Seconds)
	e.i32(t.Nanos)
}

func (e *encoder) optTimestamp(t *Timestamp) {
	if t == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.timestamp(*t)
}

func (e *encoder) commit(c CommitID) {
	e.u64(c.Term)
	e.u64(c.Index)
}

func (e *encoder) optCommit(c *CommitID) {
	if c == nil {
		e.bool(false)
		return
	}
	e.bool(true)
	e.commit(*c)
}

func (e *encoder) userContext(c UserContext) {
	e.u32(c.Uid)
	e.u32(c.Gid)
}

func (e *encoder) attrs(a Attrs) {
	e.u64(a.Inode)
	e.u8(uint8(a.Kind))
	e.u16(a.Mode)
	e.u32(a.Uid)
	e.u32(a.Gid)
	e.u64(a.Size)
	e.u64(a.Blocks)
	e.timestamp(a.Atime)
	e.timestamp(a.Mtime)
	e.timestamp(a.Ctime)
	e.u32(a.HardLinks)
	e.u32(a.Rdev)
	e.u32(a.BlockSize)
}

// decoder carries a sticky error so call sites stay linear; the first
// out-of-bounds read poisons every later read.
type decoder struct {
	buf []byte
	off int
	bad bool
}

func (d *decoder) take(n int) []byte {
	if d.bad || d.off+n > len(d.buf) {
		d.bad = true
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) u16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i32() int32 { return int32(d.u32()) }
func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.bad || uint64(n) > uint64(len(d.buf)-d.off) {
		d.bad = true
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.take(int(n)))
	return out
}

func (d *decoder) str() string { return string(d.bytes()) }

func (d *decoder) optU32() *uint32 {
	if !d.bool() {
		return nil
	}
	v := d.u32()
	return &v
}

func (d *decoder) optU64() *uint64 {
	if !d.bool() {
		return nil
	}
	v := d.u64()
	return &v
}

func (d *decoder) timestamp() Timestamp {
	return Timestamp{Seconds: d.i64(), Nanos: d.i32()}
}

func (d *decoder) optTimestamp() *Timestamp {
	if !d.bool() {
		return nil
	}
	t := d.timestamp()
	return &t
}

func (d *decoder) commit() CommitID {
	return CommitID{Term: d.u64(), Index: d.u64()}
}

func (d *decoder) optCommit() *CommitID {
	if !d.bool() {
		return nil
	}
	c := d.commit()
	return &c
}

func (d *decoder) userContext() UserContext {
	return UserContext{Uid: d.u32(), Gid: d.u32()}
}

func (d *decoder) attrs() Attrs {
	return Attrs{
		Inode:     d.u64(),
		Kind:      FileKind(d.u8()),
		Mode:      d.u16(),
		Uid:       d.u32(),
		Gid:       d.u32(),
		Size:      d.u64(),
		Blocks:    d.u64(),
		Atime:     d.timestamp(),
		Mtime:     d.timestamp(),
		Ctime:     d.timestamp(),
		HardLinks: d.u32(),
		Rdev:      d.u32(),
		BlockSize: d.u32(),
	}
}

// done reports whether the whole payload decoded cleanly with no trailing
// garbage.
func (d *decoder) done() bool { return !d.bad && d.off == len(d.buf) }
