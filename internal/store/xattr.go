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
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/fleetfs/fleetfs/internal/wire"
)

var xattrNamespaces = []string{"user.", "system.", "security.", "trusted."}

// checkXattrKey enforces the namespace rules: keys must carry a known
// prefix, and everything outside "user." is reserved for uid 0.
func checkXattrKey(key string, ctx wire.UserContext) error {
	for _, ns := range xattrNamespaces {
		if strings.HasPrefix(key, ns) {
			if ns != "user." && ctx.Uid != 0 {
				return wire.Errorf(wire.ErrOperationNotPermitted, "namespace %q requires uid 0", ns)
			}
			return nil
		}
	}
	return wire.Errorf(wire.ErrInvalidXattrNamespace, "key %q", key)
}

func getXattrTable(tx *bolt.Tx, inode uint64) (map[string][]byte, error) {
	if tx.Bucket(bucketInodes).Get(inoKey(inode)) == nil {
		return nil, wire.Errorf(wire.ErrInodeDoesNotExist, "inode %d", inode)
	}
	raw := tx.Bucket(bucketXattrs).Get(inoKey(inode))
	if raw == nil {
		return map[string][]byte{}, nil
	}
	return wire.DecodeXattrs(raw)
}

// ListXattrs returns the inode's xattr keys in sorted order.
func (s *Store) ListXattrs(inode uint64) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		table, err := getXattrTable(tx, inode)
		if err != nil {
			return err
		}
		for k := range table {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil
	})
	return keys, err
}

// GetXattr returns one attribute's value.
func (s *Store) GetXattr(inode uint64, key string, ctx wire.UserContext) ([]byte, error) {
	if err := checkXattrKey(key, ctx); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		table, err := getXattrTable(tx, inode)
		if err != nil {
			return err
		}
		v, ok := table[key]
		if !ok {
			return wire.Errorf(wire.ErrMissingXattrKey, "%q on inode %d", key, inode)
		}
		value = v
		return nil
	})
	return value, err
}

// SetXattr stores one attribute and stamps ctime.
func (s *Store) SetXattr(inode uint64, key string, value []byte, ctx wire.UserContext, now wire.Timestamp) error {
	if err := checkXattrKey(key, ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		table, err := getXattrTable(tx, inode)
		if err != nil {
			return err
		}
		table[key] = value
		if err := tx.Bucket(bucketXattrs).Put(inoKey(inode), wire.EncodeXattrs(table)); err != nil {
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

// RemoveXattr deletes one attribute and stamps ctime.
func (s *Store) RemoveXattr(inode uint64, key string, ctx wire.UserContext, now wire.Timestamp) error {
	if err := checkXattrKey(key, ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		table, err := getXattrTable(tx, inode)
		if err != nil {
			return err
		}
		if _, ok := table[key]; !ok {
			return wire.Errorf(wire.ErrMissingXattrKey, "%q on inode %d", key, inode)
		}
		delete(table, key)
		if err := tx.Bucket(bucketXattrs).Put(inoKey(inode), wire.EncodeXattrs(table)); err != nil {
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
