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

import "github.com/fleetfs/fleetfs/internal/wire"

// Permission checks live in the store, not the facade, so they are applied
// inside the apply loop and linearize with the mutations they guard.

const (
	permExec  = 0o1
	permWrite = 0o2
	permRead  = 0o4
)

// checkAccess verifies the classic owner/group/other mode bits. uid 0
// bypasses every check.
func checkAccess(a wire.Attrs, ctx wire.UserContext, want uint16) error {
	if ctx.Uid == 0 {
		return nil
	}
	var granted uint16
	switch {
	case ctx.Uid == a.Uid:
		granted = (a.Mode >> 6) & 0o7
	case ctx.Gid == a.Gid:
		granted = (a.Mode >> 3) & 0o7
	default:
		granted = a.Mode & 0o7
	}
	if granted&want != want {
		return wire.Errorf(wire.ErrAccessDenied, "mode %04o denies %o to uid %d", a.Mode, want, ctx.Uid)
	}
	return nil
}

// checkOwner verifies the caller owns the inode (or is root); used by chmod
// and utimens.
func checkOwner(a wire.Attrs, ctx wire.UserContext) error {
	if ctx.Uid != 0 && ctx.Uid != a.Uid {
		return wire.Errorf(wire.ErrOperationNotPermitted, "uid %d does not own inode %d", ctx.Uid, a.Inode)
	}
	return nil
}
