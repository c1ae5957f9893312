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

package store

import (
	"math"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetfs/fleetfs/internal/wire"
)

// File data is a sparse byte sequence stored as one blob per inode. Writes
// past the current end zero-fill the gap; reads past end return short.

// maxFileSize caps offsets and sizes at 2^63-1 so they survive signed
// conversions in every POSIX-facing layer.
const maxFileSize = math.MaxInt64

// Read returns up to size bytes at offset. Reads past end are short; reads
// entirely past end return empty.
func (s *Store) Read(inode, offset uint64, size uint32) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if a.Kind == wire.KindDirectory {
			return wire.Errorf(wire.ErrBadRequest, "read of directory inode %d", inode)
		}
		blob := tx.Bucket(bucketData).Get(inoKey(inode))
		if offset >= uint64(len(blob)) {
			return nil
		}
		end := offset + uint64(size)
		if end > uint64(len(blob)) {
			end = uint64(len(blob))
		}
		out = make([]byte, end-offset)
		copy(out, blob[offset:end])
		return nil
	})
	return out, err
}

// Write stores data at offset, extending size as needed, and stamps mtime
// and ctime.
func (s *Store) Write(inode, offset uint64, data []byte, now wire.Timestamp) (uint32, error) {
	if offset > maxFileSize-uint64(len(data)) {
		return 0, wire.Errorf(wire.ErrFileTooLarge, "write at offset %d", offset)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if a.Kind == wire.KindDirectory {
			return wire.Errorf(wire.ErrBadRequest, "write to directory inode %d", inode)
		}

		bucket := tx.Bucket(bucketData)
		old := bucket.Get(inoKey(inode))
		end := offset + uint64(len(data))
		n := uint64(len(old))
		if end > n {
			n = end
		}
		blob := make([]byte, n)
		copy(blob, old)
		copy(blob[offset:], data)
		if err := bucket.Put(inoKey(inode), blob); err != nil {
			return err
		}

		a.Size = uint64(len(blob))
		a.Blocks = (a.Size + wire.BlockSize - 1) / wire.BlockSize
		a.Mtime = now
		a.Ctime = now
		return putAttrs(tx, a)
	})
	if err != nil {
		return 0, err
	}
	return uint32(len(data)), nil
}

// Truncate sets the file length, discarding or zero-extending data.
func (s *Store) Truncate(inode, newLen uint64, ctx wire.UserContext, now wire.Timestamp) error {
	if newLen > maxFileSize {
		return wire.Errorf(wire.ErrFileTooLarge, "truncate to %d", newLen)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if a.Kind == wire.KindDirectory {
			return wire.Errorf(wire.ErrBadRequest, "truncate of directory inode %d", inode)
		}
		if err := checkAccess(a, ctx, permWrite); err != nil {
			return err
		}

		bucket := tx.Bucket(bucketData)
		old := bucket.Get(inoKey(inode))
		blob := make([]byte, newLen)
		copy(blob, old)
		if err := bucket.Put(inoKey(inode), blob); err != nil {
			return err
		}

		a.Size = newLen
		a.Blocks = (a.Size + wire.BlockSize - 1) / wire.BlockSize
		a.Mtime = now
		a.Ctime = now
		return putAttrs(tx, a)
	})
}

// Fsync flushes the store to stable storage. bbolt commits synchronously,
// so this is a barrier for the kernel bridge more than for the store.
func (s *Store) Fsync(inode uint64) error {
	if _, err := s.GetAttrs(inode); err != nil {
		return err
	}
	return s.db.Sync()
}
