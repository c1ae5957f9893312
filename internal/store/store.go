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

// Package store is the per-rgroup local inode store: metadata, directory
// listings, extended attributes and file data in a bbolt database, plus an
// in-memory advisory lock table. All mutating methods are called only from
// the rgroup's apply loop, single-threaded, with timestamps supplied by the
// proposing leader.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetfs/fleetfs/internal/wire"
)

var (
	bucketInodes = []byte("inodes")
	bucketDirs   = []byte("dirs")
	bucketXattrs = []byte("xattrs")
	bucketData   = []byte("data")
	bucketMeta   = []byte("meta")

	keyNextInode     = []byte("next-inode")
	keyAppliedCommit = []byte("applied-commit")
)

// RgroupOf maps an inode to its owning rgroup. The mapping is fixed and
// known to all nodes; the shifted modulus keeps the root (inode 1) on
// rgroup 0.
func RgroupOf(inode uint64, rgroups uint16) uint16 {
	return uint16((inode - 1) % uint64(rgroups))
}

// Store is one rgroup's shard of the filesystem.
type Store struct {
	rgroup  uint16
	rgroups uint16
	db      *bolt.DB
	locks   lockTable

	// lastDecrement records the fencing lock id of the most recent applied
	// decrement per inode, so a retried commit of the same decrement is a
	// no-op. In-memory only: replay from the log reproduces it.
	lastDecrement map[uint64]uint64
}

// Open opens (creating if needed) the store for one rgroup under dir. On
// rgroup 0 the root directory is created on first open.
func Open(dir string, rgroup, rgroups uint16) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "store.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	s := &Store{
		rgroup:        rgroup,
		rgroups:       rgroups,
		db:            db,
		lastDecrement: make(map[uint64]uint64),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketInodes, bucketDirs, bucketXattrs, bucketData, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if rgroup == 0 {
			return s.ensureRoot(tx)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Rgroup returns the rgroup this store belongs to.
func (s *Store) Rgroup() uint16 { return s.rgroup }

// The root is created writable by every user, owned by uid 0, with zero
// timestamps so every replica's bootstrap state is byte-identical.
func (s *Store) ensureRoot(tx *bolt.Tx) error {
	inodes := tx.Bucket(bucketInodes)
	if inodes.Get(inoKey(wire.RootInode)) != nil {
		return nil
	}
	root := wire.Attrs{
		Inode:     wire.RootInode,
		Kind:      wire.KindDirectory,
		Mode:      0o777,
		HardLinks: 2,
		BlockSize: wire.BlockSize,
	}
	if err := inodes.Put(inoKey(wire.RootInode), wire.EncodeAttrs(root)); err != nil {
		return err
	}
	listing := wire.Listing{Parent: wire.RootInode}
	return tx.Bucket(bucketDirs).Put(inoKey(wire.RootInode), wire.EncodeListing(listing))
}

// Keys are big-endian so bucket iteration order matches numeric inode order
// and checksums are stable.
func inoKey(inode uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], inode)
	return k[:]
}

func getAttrs(tx *bolt.Tx, inode uint64) (wire.Attrs, error) {
	raw := tx.Bucket(bucketInodes).Get(inoKey(inode))
	if raw == nil {
		return wire.Attrs{}, wire.Errorf(wire.ErrInodeDoesNotExist, "inode %d", inode)
	}
	return wire.DecodeAttrs(raw)
}

func putAttrs(tx *bolt.Tx, a wire.Attrs) error {
	return tx.Bucket(bucketInodes).Put(inoKey(a.Inode), wire.EncodeAttrs(a))
}

func getListing(tx *bolt.Tx, inode uint64) (wire.Listing, error) {
	if tx.Bucket(bucketInodes).Get(inoKey(inode)) == nil {
		return wire.Listing{}, wire.Errorf(wire.ErrInodeDoesNotExist, "inode %d", inode)
	}
	raw := tx.Bucket(bucketDirs).Get(inoKey(inode))
	if raw == nil {
		return wire.Listing{}, wire.Errorf(wire.ErrBadRequest, "inode %d is not a directory", inode)
	}
	return wire.DecodeListing(raw)
}

func putListing(tx *bolt.Tx, inode uint64, l wire.Listing) error {
	return tx.Bucket(bucketDirs).Put(inoKey(inode), wire.EncodeListing(l))
}

// GetAttrs returns the metadata record for one inode.
func (s *Store) GetAttrs(inode uint64) (wire.Attrs, error) {
	var a wire.Attrs
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = getAttrs(tx, inode)
		return err
	})
	return a, err
}

// SetAttrs is the partial-update argument for SetAttrsPartial. Nil fields
// are left untouched; link count and size are never touched here.
type SetAttrs struct {
	Mode  *uint16
	Uid   *uint32
	Gid   *uint32
	Atime *wire.Timestamp
	Mtime *wire.Timestamp
}

// SetAttrsPartial applies a partial metadata update and stamps ctime.
func (s *Store) SetAttrsPartial(inode uint64, set SetAttrs, ctime wire.Timestamp) (wire.Attrs, error) {
	var out wire.Attrs
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if set.Mode != nil {
			a.Mode = *set.Mode
		}
		if set.Uid != nil {
			a.Uid = *set.Uid
		}
		if set.Gid != nil {
			a.Gid = *set.Gid
		}
		if set.Atime != nil {
			a.Atime = *set.Atime
		}
		if set.Mtime != nil {
			a.Mtime = *set.Mtime
		}
		a.Ctime = ctime
		out = a
		return putAttrs(tx, a)
	})
	return out, err
}

// ListDir returns a directory's entries, ordered by name.
func (s *Store) ListDir(inode uint64) ([]wire.DirEntry, error) {
	var entries []wire.DirEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		l, err := getListing(tx, inode)
		if err != nil {
			return err
		}
		entries = l.Entries
		return nil
	})
	return entries, err
}

// Lookup resolves a name within a directory. The special name ".." resolves
// through the directory's parent pointer.
func (s *Store) Lookup(parent uint64, name string, ctx wire.UserContext) (inode uint64, kind wire.FileKind, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		dir, err := getAttrs(tx, parent)
		if err != nil {
			return err
		}
		if err := checkAccess(dir, ctx, permExec); err != nil {
			return err
		}
		l, err := getListing(tx, parent)
		if err != nil {
			return err
		}
		switch name {
		case ".":
			inode, kind = parent, wire.KindDirectory
			return nil
		case "..":
			inode, kind = l.Parent, wire.KindDirectory
			return nil
		}
		i := l.Find(name)
		if i < 0 {
			return wire.Errorf(wire.ErrDoesNotExist, "%q in inode %d", name, parent)
		}
		inode, kind = l.Entries[i].Inode, l.Entries[i].Kind
		return nil
	})
	return inode, kind, err
}

// CreateInode allocates a fresh inode on this rgroup. Ids come from a
// persisted counter advanced in apply order, so every replica allocates the
// same id for the same log entry.
func (s *Store) CreateInode(req *wire.CreateInodeRequest, now wire.Timestamp) (wire.Attrs, error) {
	var out wire.Attrs
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var counter uint64
		if raw := meta.Get(keyNextInode); raw != nil {
			counter = binary.LittleEndian.Uint64(raw)
		} else if s.rgroup == 0 {
			// Counter 0 on rgroup 0 is the root, created at bootstrap.
			counter = 1
		}
		inode := counter*uint64(s.rgroups) + uint64(s.rgroup) + 1

		var next [8]byte
		binary.LittleEndian.PutUint64(next[:], counter+1)
		if err := meta.Put(keyNextInode, next[:]); err != nil {
			return err
		}

		links := uint32(1)
		if req.Kind == wire.KindDirectory {
			links = 2
		}
		a := wire.Attrs{
			Inode:     inode,
			Kind:      req.Kind,
			Mode:      req.Mode,
			Uid:       req.Uid,
			Gid:       req.Gid,
			Atime:     now,
			Mtime:     now,
			Ctime:     now,
			HardLinks: links,
			BlockSize: wire.BlockSize,
		}
		if err := putAttrs(tx, a); err != nil {
			return err
		}
		if req.Kind == wire.KindDirectory {
			if err := putListing(tx, inode, wire.Listing{Parent: req.Parent}); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	return out, err
}

// CreateLink inserts a directory entry. Link counts are untouched; pairing
// the entry with an increment is the coordinator's job.
func (s *Store) CreateLink(req *wire.CreateLinkRequest, now wire.Timestamp) error {
	if len(req.Name) > wire.MaxNameLength {
		return wire.Errorf(wire.ErrNameTooLong, "%d bytes", len(req.Name))
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		dir, err := getAttrs(tx, req.Parent)
		if err != nil {
			return err
		}
		if err := checkAccess(dir, req.Context, permWrite); err != nil {
			return err
		}
		l, err := getListing(tx, req.Parent)
		if err != nil {
			return err
		}
		if !l.Insert(wire.DirEntry{Name: req.Name, Inode: req.Inode, Kind: req.Kind}) {
			return wire.Errorf(wire.ErrAlreadyExists, "%q in inode %d", req.Name, req.Parent)
		}
		if err := putListing(tx, req.Parent, l); err != nil {
			return err
		}
		dir.Mtime = now
		dir.Ctime = now
		return putAttrs(tx, dir)
	})
}

// ReplaceLink atomically swaps an existing entry's target and returns the
// prior inode. The caller guarantees the swap is safe (locks held).
func (s *Store) ReplaceLink(req *wire.ReplaceLinkRequest, now wire.Timestamp) (uint64, error) {
	var old uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		dir, err := getAttrs(tx, req.Parent)
		if err != nil {
			return err
		}
		if err := checkAccess(dir, req.Context, permWrite); err != nil {
			return err
		}
		l, err := getListing(tx, req.Parent)
		if err != nil {
			return err
		}
		i := l.Find(req.Name)
		if i < 0 {
			return wire.Errorf(wire.ErrDoesNotExist, "%q in inode %d", req.Name, req.Parent)
		}
		old = l.Entries[i].Inode
		l.Entries[i].Inode = req.NewInode
		l.Entries[i].Kind = req.Kind
		if err := putListing(tx, req.Parent, l); err != nil {
			return err
		}
		dir.Mtime = now
		dir.Ctime = now
		return putAttrs(tx, dir)
	})
	return old, err
}

// RemoveLink removes a directory entry and returns the entry's inode and
// the owning uid. When LinkInode or LinkUid are present the removal is
// conditional on them still matching, which makes retries safe.
func (s *Store) RemoveLink(req *wire.RemoveLinkRequest, now wire.Timestamp) (inode uint64, uid uint32, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		dir, err := getAttrs(tx, req.Parent)
		if err != nil {
			return err
		}
		if err := checkAccess(dir, req.Context, permWrite); err != nil {
			return err
		}
		l, err := getListing(tx, req.Parent)
		if err != nil {
			return err
		}
		i := l.Find(req.Name)
		if i < 0 {
			return wire.Errorf(wire.ErrDoesNotExist, "%q in inode %d", req.Name, req.Parent)
		}
		ent := l.Entries[i]
		if req.LinkInode != nil && ent.Inode != *req.LinkInode {
			return wire.Errorf(wire.ErrDoesNotExist, "%q no longer points at inode %d", req.Name, *req.LinkInode)
		}

		target, err := getAttrs(tx, ent.Inode)
		if err == nil {
			// Sticky directories restrict deletion to the entry's owner or
			// the directory's owner.
			if dir.Mode&0o1000 != 0 && req.Context.Uid != 0 &&
				req.Context.Uid != target.Uid && req.Context.Uid != dir.Uid {
				return wire.Errorf(wire.ErrAccessDenied, "sticky bit on inode %d", req.Parent)
			}
			uid = target.Uid
			if req.LinkUid != nil && uid != *req.LinkUid {
				return wire.Errorf(wire.ErrDoesNotExist, "%q owner changed", req.Name)
			}
		}

		l.Remove(req.Name)
		if err := putListing(tx, req.Parent, l); err != nil {
			return err
		}
		dir.Mtime = now
		dir.Ctime = now
		if err := putAttrs(tx, dir); err != nil {
			return err
		}
		inode = ent.Inode
		return nil
	})
	return inode, uid, err
}

// IncrementLinks raises an inode's hard-link count and stamps ctime.
func (s *Store) IncrementLinks(inode uint64, n uint32, now wire.Timestamp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		a.HardLinks += n
		a.Ctime = now
		return putAttrs(tx, a)
	})
}

// DecrementLinks lowers an inode's hard-link count; at zero the inode, its
// data and its xattrs are deleted. lockID is the fencing token of spec'd
// retry semantics: a repeated decrement with the same token is a no-op.
func (s *Store) DecrementLinks(inode uint64, n uint32, lockID *uint64, now wire.Timestamp) (uint32, error) {
	if lockID != nil {
		if last, ok := s.lastDecrement[inode]; ok && last == *lockID {
			a, err := s.GetAttrs(inode)
			if err != nil {
				return 0, nil
			}
			return a.HardLinks, nil
		}
	}
	var final uint32
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if a.HardLinks <= n {
			a.HardLinks = 0
		} else {
			a.HardLinks -= n
		}
		final = a.HardLinks
		if final > 0 {
			a.Ctime = now
			return putAttrs(tx, a)
		}
		key := inoKey(inode)
		if err := tx.Bucket(bucketInodes).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDirs).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketXattrs).Delete(key); err != nil {
			return err
		}
		return tx.Bucket(bucketData).Delete(key)
	})
	if err == nil && lockID != nil {
		s.lastDecrement[inode] = *lockID
	}
	if err == nil && final == 0 {
		delete(s.lastDecrement, inode)
		s.locks.forget(inode)
	}
	return final, err
}

// HardlinkIncrement raises the link count and returns the attributes along
// with the pre-increment mtime, which the coordinator needs for rollback.
func (s *Store) HardlinkIncrement(inode uint64, now wire.Timestamp) (wire.Attrs, wire.Timestamp, error) {
	var out wire.Attrs
	var prev wire.Timestamp
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		prev = a.Mtime
		a.HardLinks++
		a.Ctime = now
		out = a
		return putAttrs(tx, a)
	})
	return out, prev, err
}

// HardlinkRollback undoes a HardlinkIncrement. The saved mtime is restored
// only if the inode has not been modified since the increment.
func (s *Store) HardlinkRollback(inode uint64, prevModified, now wire.Timestamp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if a.HardLinks > 0 {
			a.HardLinks--
		}
		// Restore the saved mtime only when the file has not been written
		// since the increment; a newer mtime belongs to someone else's write.
		if !a.Mtime.Time().After(prevModified.Time()) {
			a.Mtime = prevModified
		}
		a.Ctime = now
		return putAttrs(tx, a)
	})
}

// UpdateParent repoints a directory's ".." after a cross-directory rename.
func (s *Store) UpdateParent(inode, newParent uint64, now wire.Timestamp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		l, err := getListing(tx, inode)
		if err != nil {
			return err
		}
		l.Parent = newParent
		if err := putListing(tx, inode, l); err != nil {
			return err
		}
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		a.Ctime = now
		return putAttrs(tx, a)
	})
}

// UpdateMetadataChangedTime stamps ctime only.
func (s *Store) UpdateMetadataChangedTime(inode uint64, now wire.Timestamp) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		a.Ctime = now
		return putAttrs(tx, a)
	})
}

// Checksum computes a CRC over all metadata and directory records, in key
// order. Replicas with the same applied log converge to the same value.
func (s *Store) Checksum() ([]byte, error) {
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	err := s.db.View(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketInodes, bucketDirs, bucketXattrs} {
			err := tx.Bucket(bucket).ForEach(func(k, v []byte) error {
				h.Write(k)
				h.Write(v)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// AppliedCommit returns the highest (term, index) recorded by SetAppliedCommit.
func (s *Store) AppliedCommit() (wire.CommitID, error) {
	var c wire.CommitID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyAppliedCommit)
		if raw == nil || len(raw) != 16 {
			return nil
		}
		c.Term = binary.LittleEndian.Uint64(raw[:8])
		c.Index = binary.LittleEndian.Uint64(raw[8:])
		return nil
	})
	return c, err
}

// SetAppliedCommit durably records the applied log position.
func (s *Store) SetAppliedCommit(c wire.CommitID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var raw [16]byte
		binary.LittleEndian.PutUint64(raw[:8], c.Term)
		binary.LittleEndian.PutUint64(raw[8:], c.Index)
		return tx.Bucket(bucketMeta).Put(keyAppliedCommit, raw[:])
	})
}
