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
	bolt "go.etcd.io/bbolt"

	"github.com/fleetfs/fleetfs/internal/wire"
)

// Chmod replaces the mode bits. Only the owner or root may do so.
func (s *Store) Chmod(inode uint64, mode uint16, ctx wire.UserContext, now wire.Timestamp) (wire.Attrs, error) {
	var out wire.Attrs
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if err := checkOwner(a, ctx); err != nil {
			return err
		}
		a.Mode = mode
		a.Ctime = now
		out = a
		return putAttrs(tx, a)
	})
	return out, err
}

// Chown changes ownership. Changing uid requires root; the owner may change
// gid on their own files.
func (s *Store) Chown(inode uint64, uid, gid *uint32, ctx wire.UserContext, now wire.Timestamp) (wire.Attrs, error) {
	var out wire.Attrs
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if uid != nil && *uid != a.Uid && ctx.Uid != 0 {
			return wire.Errorf(wire.ErrOperationNotPermitted, "chown uid on inode %d", inode)
		}
		if gid != nil && *gid != a.Gid {
			if err := checkOwner(a, ctx); err != nil {
				return err
			}
		}
		if uid != nil {
			a.Uid = *uid
		}
		if gid != nil {
			a.Gid = *gid
		}
		a.Ctime = now
		out = a
		return putAttrs(tx, a)
	})
	return out, err
}

// Utimens sets atime and/or mtime. The owner or root may set arbitrary
// times; anyone with write access may touch to now.
func (s *Store) Utimens(inode uint64, atime, mtime *wire.Timestamp, ctx wire.UserContext, now wire.Timestamp) (wire.Attrs, error) {
	var out wire.Attrs
	err := s.db.Update(func(tx *bolt.Tx) error {
		a, err := getAttrs(tx, inode)
		if err != nil {
			return err
		}
		if err := checkOwner(a, ctx); err != nil {
			if accessErr := checkAccess(a, ctx, permWrite); accessErr != nil {
				return err
			}
		}
		if atime != nil {
			a.Atime = *atime
		}
		if mtime != nil {
			a.Mtime = *mtime
		}
		a.Ctime = now
		out = a
		return putAttrs(tx, a)
	})
	return out, err
}
