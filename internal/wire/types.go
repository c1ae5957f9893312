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

import "time"

// MaxNameLength bounds a single directory entry name, per POSIX NAME_MAX.
const MaxNameLength = 255

// BlockSize is the block size reported through statfs and inode attributes.
const BlockSize = 512

// RootInode is the well-known id of the filesystem root. It lives on rgroup 0.
const RootInode uint64 = 1

// FileKind discriminates the three inode kinds.
type FileKind uint8

const (
	KindFile FileKind = iota
	KindDirectory
	KindSymlink
)

func (k FileKind) String() string {
	switch k {
	case KindFile:
		return "File"
	case KindDirectory:
		return "Directory"
	case KindSymlink:
		return "Symlink"
	default:
		return "Unknown"
	}
}

// Timestamp is a POSIX timespec: whole seconds plus nanoseconds.
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

// TimestampFromTime converts a wall-clock time to a wire timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Time converts back to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Attrs is the full metadata record for one inode.
type Attrs struct {
	Inode     uint64
	Kind      FileKind
	Mode      uint16
	Uid       uint32
	Gid       uint32
	Size      uint64
	Blocks    uint64
	Atime     Timestamp
	Mtime     Timestamp
	Ctime     Timestamp
	HardLinks uint32
	Rdev      uint32
	BlockSize uint32
}

// DirEntry is one entry of a directory listing.
type DirEntry struct {
	Name  string
	Inode uint64
	Kind  FileKind
}

// CommitID identifies a position in one rgroup's consensus log.
type CommitID struct {
	Term  uint64
	Index uint64
}

// AtLeast reports whether c is at or past other in log order.
func (c CommitID) AtLeast(other CommitID) bool {
	if c.Term != other.Term {
		return c.Term > other.Term
	}
	return c.Index >= other.Index
}

// UserContext carries the caller's identity for permission checks, which are
// performed inside the state machine so they linearize with mutations.
type UserContext struct {
	Uid uint32
	Gid uint32
}

// RgroupChecksum is one rgroup's metadata checksum, as reported by
// FilesystemChecksumRequest.
type RgroupChecksum struct {
	Rgroup   uint16
	Checksum []byte
}
