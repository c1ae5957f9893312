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

// RequestTag discriminates the request union. Values are stable wire
// constants; only append.
type RequestTag uint8

const (
	// Read-only.
	TagGetattr RequestTag = iota
	TagRead
	TagReadRaw
	TagReaddir
	TagLookup
	TagGetXattr
	TagListXattrs
	TagFilesystemChecksum
	TagFilesystemCheck
	TagFilesystemReady
	TagFilesystemInformation
	TagLatestCommit
	TagRaftGroupLeader

	// Mutating, user-level.
	TagWrite
	TagTruncate
	TagFsync
	TagChmod
	TagChown
	TagUtimens
	TagSetXattr
	TagRemoveXattr
	TagMkdir
	TagCreate
	TagUnlink
	TagRmdir
	TagRename
	TagHardlink

	// Internal transaction primitives.
	TagCreateInode
	TagCreateLink
	TagReplaceLink
	TagRemoveLink
	TagDecrementInode
	TagHardlinkIncrement
	TagHardlinkRollback
	TagUpdateParent
	TagUpdateMetadataChangedTime
	TagLock
	TagUnlock

	// Cluster.
	TagRaft
)

// Request is one member of the request union.
type Request interface {
	Tag() RequestTag
	encode(e *encoder)
	decode(d *decoder)
}

// ReadOnly reports whether a request can be served by a leader without a
// consensus log entry.
func ReadOnly(r Request) bool {
	switch r.Tag() {
	case TagGetattr, TagRead, TagReadRaw, TagReaddir, TagLookup, TagGetXattr,
		TagListXattrs, TagFilesystemChecksum, TagFilesystemCheck,
		TagFilesystemReady, TagFilesystemInformation, TagLatestCommit,
		TagRaftGroupLeader:
		return true
	}
	return false
}

type GetattrRequest struct {
	Inode uint64
}

type ReadRequest struct {
	Inode          uint64
	Offset         uint64
	Size           uint32
	RequiredCommit *CommitID
}

// ReadRawRequest reads only blocks stored locally on the receiving node,
// bypassing leader redirection. Used for replica scrubbing.
type ReadRawRequest struct {
	Inode          uint64
	Offset         uint64
	Size           uint32
	RequiredCommit CommitID
}

type ReaddirRequest struct {
	Inode uint64
}

type LookupRequest struct {
	Parent  uint64
	Name    string
	Context UserContext
}

type GetXattrRequest struct {
	Inode   uint64
	Key     string
	Context UserContext
}

type ListXattrsRequest struct {
	Inode uint64
}

type FilesystemChecksumRequest struct{}

type FilesystemCheckRequest struct{}

type FilesystemReadyRequest struct{}

type FilesystemInformationRequest struct{}

type LatestCommitRequest struct {
	Rgroup uint16
}

type RaftGroupLeaderRequest struct {
	Rgroup uint16
}

type WriteRequest struct {
	Inode  uint64
	Offset uint64
	Data   []byte
}

type TruncateRequest struct {
	Inode   uint64
	NewLen  uint64
	Context UserContext
}

type FsyncRequest struct {
	Inode uint64
}

type ChmodRequest struct {
	Inode   uint64
	Mode    uint16
	Context UserContext
}

type ChownRequest struct {
	Inode   uint64
	Uid     *uint32
	Gid     *uint32
	Context UserContext
}

type UtimensRequest struct {
	Inode   uint64
	Atime   *Timestamp
	Mtime   *Timestamp
	Context UserContext
}

type SetXattrRequest struct {
	Inode   uint64
	Key     string
	Value   []byte
	Context UserContext
}

type RemoveXattrRequest struct {
	Inode   uint64
	Key     string
	Context UserContext
}

type MkdirRequest struct {
	Parent  uint64
	Name    string
	Mode    uint16
	Context UserContext
}

type CreateRequest struct {
	Parent  uint64
	Name    string
	Mode    uint16
	Kind    FileKind
	Context UserContext
}

type UnlinkRequest struct {
	Parent  uint64
	Name    string
	Context UserContext
}

type RmdirRequest struct {
	Parent  uint64
	Name    string
	Context UserContext
}

type RenameRequest struct {
	Parent    uint64
	Name      string
	NewParent uint64
	NewName   string
	Context   UserContext
}

type HardlinkRequest struct {
	Inode     uint64
	NewParent uint64
	NewName   string
	Context   UserContext
}

// CreateInodeRequest allocates a fresh inode on the receiving rgroup. The
// caller picks the rgroup for load balancing; the id is allocated
// deterministically in the apply loop.
type CreateInodeRequest struct {
	// Rgroup is the group chosen by the coordinator for load balancing.
	Rgroup uint16
	Kind   FileKind
	Mode   uint16
	Uid    uint32
	Gid    uint32
	// Parent is recorded for directories so ".." can be resolved; ignored
	// for files and symlinks.
	Parent uint64
}

type CreateLinkRequest struct {
	Parent  uint64
	Name    string
	Inode   uint64
	Kind    FileKind
	LockID  *uint64
	Context UserContext
}

// ReplaceLinkRequest atomically swaps the target of an existing entry and
// returns the prior inode. Link counts are untouched; the coordinator is
// responsible for the decrement.
type ReplaceLinkRequest struct {
	Parent    uint64
	Name      string
	NewInode  uint64
	Kind      FileKind
	LockID    *uint64
	Context   UserContext
}

type RemoveLinkRequest struct {
	Parent uint64
	Name   string
	// LinkInode, when present, makes removal conditional: the entry is
	// removed only if it still points at this inode.
	LinkInode *uint64
	// LinkUid, when present, enforces sticky-bit ownership.
	LinkUid *uint32
	LockID  *uint64
	Context UserContext
}

// DecrementInodeRequest lowers the link count, deleting the inode when it
// reaches zero. LockID doubles as a fencing token so a retried commit does
// not over-decrement (see DESIGN.md).
type DecrementInodeRequest struct {
	Inode  uint64
	Count  uint32
	LockID *uint64
}

type HardlinkIncrementRequest struct {
	Inode uint64
}

// HardlinkRollbackRequest undoes a HardlinkIncrementRequest. The saved mtime
// is restored only if the inode has not been modified since.
type HardlinkRollbackRequest struct {
	Inode        uint64
	PrevModified Timestamp
}

type UpdateParentRequest struct {
	Inode     uint64
	NewParent uint64
	LockID    *uint64
}

type UpdateMetadataChangedTimeRequest struct {
	Inode  uint64
	LockID *uint64
}

type LockRequest struct {
	Inode uint64
}

type UnlockRequest struct {
	Inode  uint64
	LockID uint64
}

// RaftRequest carries one opaque consensus message for the given rgroup.
type RaftRequest struct {
	Rgroup  uint16
	Message []byte
}

func (*GetattrRequest) Tag() RequestTag                   { return TagGetattr }
func (*ReadRequest) Tag() RequestTag                      { return TagRead }
func (*ReadRawRequest) Tag() RequestTag                   { return TagReadRaw }
func (*ReaddirRequest) Tag() RequestTag                   { return TagReaddir }
func (*LookupRequest) Tag() RequestTag                    { return TagLookup }
func (*GetXattrRequest) Tag() RequestTag                  { return TagGetXattr }
func (*ListXattrsRequest) Tag() RequestTag                { return TagListXattrs }
func (*FilesystemChecksumRequest) Tag() RequestTag        { return TagFilesystemChecksum }
func (*FilesystemCheckRequest) Tag() RequestTag           { return TagFilesystemCheck }
func (*FilesystemReadyRequest) Tag() RequestTag           { return TagFilesystemReady }
func (*FilesystemInformationRequest) Tag() RequestTag     { return TagFilesystemInformation }
func (*LatestCommitRequest) Tag() RequestTag              { return TagLatestCommit }
func (*RaftGroupLeaderRequest) Tag() RequestTag           { return TagRaftGroupLeader }
func (*WriteRequest) Tag() RequestTag                     { return TagWrite }
func (*TruncateRequest) Tag() RequestTag                  { return TagTruncate }
func (*FsyncRequest) Tag() RequestTag                     { return TagFsync }
func (*ChmodRequest) Tag() RequestTag                     { return TagChmod }
func (*ChownRequest) Tag() RequestTag                     { return TagChown }
func (*UtimensRequest) Tag() RequestTag                   { return TagUtimens }
func (*SetXattrRequest) Tag() RequestTag                  { return TagSetXattr }
func (*RemoveXattrRequest) Tag() RequestTag               { return TagRemoveXattr }
func (*MkdirRequest) Tag() RequestTag                     { return TagMkdir }
func (*CreateRequest) Tag() RequestTag                    { return TagCreate }
func (*UnlinkRequest) Tag() RequestTag                    { return TagUnlink }
func (*RmdirRequest) Tag() RequestTag                     { return TagRmdir }
func (*RenameRequest) Tag() RequestTag                    { return TagRename }
func (*HardlinkRequest) Tag() RequestTag                  { return TagHardlink }
func (*CreateInodeRequest) Tag() RequestTag               { return TagCreateInode }
func (*CreateLinkRequest) Tag() RequestTag                { return TagCreateLink }
func (*ReplaceLinkRequest) Tag() RequestTag               { return TagReplaceLink }
func (*RemoveLinkRequest) Tag() RequestTag                { return TagRemoveLink }
func (*DecrementInodeRequest) Tag() RequestTag            { return TagDecrementInode }
func (*HardlinkIncrementRequest) Tag() RequestTag         { return TagHardlinkIncrement }
func (*HardlinkRollbackRequest) Tag() RequestTag          { return TagHardlinkRollback }
func (*UpdateParentRequest) Tag() RequestTag              { return TagUpdateParent }
func (*UpdateMetadataChangedTimeRequest) Tag() RequestTag { return TagUpdateMetadataChangedTime }
func (*LockRequest) Tag() RequestTag                      { return TagLock }
func (*UnlockRequest) Tag() RequestTag                    { return TagUnlock }
func (*RaftRequest) Tag() RequestTag                      { return TagRaft }

func (r *GetattrRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *GetattrRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *ReadRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.Offset)
	e.u32(r.Size)
	e.optCommit(r.RequiredCommit)
}

func (r *ReadRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Offset = d.u64()
	r.Size = d.u32()
	r.RequiredCommit = d.optCommit()
}

func (r *ReadRawRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.Offset)
	e.u32(r.Size)
	e.commit(r.RequiredCommit)
}

func (r *ReadRawRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Offset = d.u64()
	r.Size = d.u32()
	r.RequiredCommit = d.commit()
}

func (r *ReaddirRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *ReaddirRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *LookupRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.userContext(r.Context)
}

func (r *LookupRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Context = d.userContext()
}

func (r *GetXattrRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.str(r.Key)
	e.userContext(r.Context)
}

func (r *GetXattrRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Key = d.str()
	r.Context = d.userContext()
}

func (r *ListXattrsRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *ListXattrsRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *FilesystemChecksumRequest) encode(*encoder)    {}
func (r *FilesystemChecksumRequest) decode(*decoder)    {}
func (r *FilesystemCheckRequest) encode(*encoder)       {}
func (r *FilesystemCheckRequest) decode(*decoder)       {}
func (r *FilesystemReadyRequest) encode(*encoder)       {}
func (r *FilesystemReadyRequest) decode(*decoder)       {}
func (r *FilesystemInformationRequest) encode(*encoder) {}
func (r *FilesystemInformationRequest) decode(*decoder) {}

func (r *LatestCommitRequest) encode(e *encoder) { e.u16(r.Rgroup) }
func (r *LatestCommitRequest) decode(d *decoder) { r.Rgroup = d.u16() }

func (r *RaftGroupLeaderRequest) encode(e *encoder) { e.u16(r.Rgroup) }
func (r *RaftGroupLeaderRequest) decode(d *decoder) { r.Rgroup = d.u16() }

func (r *WriteRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.Offset)
	e.bytes(r.Data)
}

func (r *WriteRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Offset = d.u64()
	r.Data = d.bytes()
}

func (r *TruncateRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.NewLen)
	e.userContext(r.Context)
}

func (r *TruncateRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.NewLen = d.u64()
	r.Context = d.userContext()
}

func (r *FsyncRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *FsyncRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *ChmodRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u16(r.Mode)
	e.userContext(r.Context)
}

func (r *ChmodRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Mode = d.u16()
	r.Context = d.userContext()
}

func (r *ChownRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.optU32(r.Uid)
	e.optU32(r.Gid)
	e.userContext(r.Context)
}

func (r *ChownRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Uid = d.optU32()
	r.Gid = d.optU32()
	r.Context = d.userContext()
}

func (r *UtimensRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.optTimestamp(r.Atime)
	e.optTimestamp(r.Mtime)
	e.userContext(r.Context)
}

func (r *UtimensRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Atime = d.optTimestamp()
	r.Mtime = d.optTimestamp()
	r.Context = d.userContext()
}

func (r *SetXattrRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.str(r.Key)
	e.bytes(r.Value)
	e.userContext(r.Context)
}

func (r *SetXattrRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Key = d.str()
	r.Value = d.bytes()
	r.Context = d.userContext()
}

func (r *RemoveXattrRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.str(r.Key)
	e.userContext(r.Context)
}

func (r *RemoveXattrRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Key = d.str()
	r.Context = d.userContext()
}

func (r *MkdirRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.u16(r.Mode)
	e.userContext(r.Context)
}

func (r *MkdirRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Mode = d.u16()
	r.Context = d.userContext()
}

func (r *CreateRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.u16(r.Mode)
	e.u8(uint8(r.Kind))
	e.userContext(r.Context)
}

func (r *CreateRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Mode = d.u16()
	r.Kind = FileKind(d.u8())
	r.Context = d.userContext()
}

func (r *UnlinkRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.userContext(r.Context)
}

func (r *UnlinkRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Context = d.userContext()
}

func (r *RmdirRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.userContext(r.Context)
}

func (r *RmdirRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Context = d.userContext()
}

func (r *RenameRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.u64(r.NewParent)
	e.str(r.NewName)
	e.userContext(r.Context)
}

func (r *RenameRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.NewParent = d.u64()
	r.NewName = d.str()
	r.Context = d.userContext()
}

func (r *HardlinkRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.NewParent)
	e.str(r.NewName)
	e.userContext(r.Context)
}

func (r *HardlinkRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.NewParent = d.u64()
	r.NewName = d.str()
	r.Context = d.userContext()
}

func (r *CreateInodeRequest) encode(e *encoder) {
	e.u16(r.Rgroup)
	e.u8(uint8(r.Kind))
	e.u16(r.Mode)
	e.u32(r.Uid)
	e.u32(r.Gid)
	e.u64(r.Parent)
}

func (r *CreateInodeRequest) decode(d *decoder) {
	r.Rgroup = d.u16()
	r.Kind = FileKind(d.u8())
	r.Mode = d.u16()
	r.Uid = d.u32()
	r.Gid = d.u32()
	r.Parent = d.u64()
}

func (r *CreateLinkRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.u64(r.Inode)
	e.u8(uint8(r.Kind))
	e.optU64(r.LockID)
	e.userContext(r.Context)
}

func (r *CreateLinkRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.Inode = d.u64()
	r.Kind = FileKind(d.u8())
	r.LockID = d.optU64()
	r.Context = d.userContext()
}

func (r *ReplaceLinkRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.u64(r.NewInode)
	e.u8(uint8(r.Kind))
	e.optU64(r.LockID)
	e.userContext(r.Context)
}

func (r *ReplaceLinkRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.NewInode = d.u64()
	r.Kind = FileKind(d.u8())
	r.LockID = d.optU64()
	r.Context = d.userContext()
}

func (r *RemoveLinkRequest) encode(e *encoder) {
	e.u64(r.Parent)
	e.str(r.Name)
	e.optU64(r.LinkInode)
	e.optU32(r.LinkUid)
	e.optU64(r.LockID)
	e.userContext(r.Context)
}

func (r *RemoveLinkRequest) decode(d *decoder) {
	r.Parent = d.u64()
	r.Name = d.str()
	r.LinkInode = d.optU64()
	r.LinkUid = d.optU32()
	r.LockID = d.optU64()
	r.Context = d.userContext()
}

func (r *DecrementInodeRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u32(r.Count)
	e.optU64(r.LockID)
}

func (r *DecrementInodeRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.Count = d.u32()
	r.LockID = d.optU64()
}

func (r *HardlinkIncrementRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *HardlinkIncrementRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *HardlinkRollbackRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.timestamp(r.PrevModified)
}

func (r *HardlinkRollbackRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.PrevModified = d.timestamp()
}

func (r *UpdateParentRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.NewParent)
	e.optU64(r.LockID)
}

func (r *UpdateParentRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.NewParent = d.u64()
	r.LockID = d.optU64()
}

func (r *UpdateMetadataChangedTimeRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.optU64(r.LockID)
}

func (r *UpdateMetadataChangedTimeRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.LockID = d.optU64()
}

func (r *LockRequest) encode(e *encoder) { e.u64(r.Inode) }
func (r *LockRequest) decode(d *decoder) { r.Inode = d.u64() }

func (r *UnlockRequest) encode(e *encoder) {
	e.u64(r.Inode)
	e.u64(r.LockID)
}

func (r *UnlockRequest) decode(d *decoder) {
	r.Inode = d.u64()
	r.LockID = d.u64()
}

func (r *RaftRequest) encode(e *encoder) {
	e.u16(r.Rgroup)
	e.bytes(r.Message)
}

func (r *RaftRequest) decode(d *decoder) {
	r.Rgroup = d.u16()
	r.Message = d.bytes()
}

func newRequest(tag RequestTag) Request {
	switch tag {
	case TagGetattr:
		return &GetattrRequest{}
	case TagRead:
		return &ReadRequest{}
	case TagReadRaw:
		return &ReadRawRequest{}
	case TagReaddir:
		return &ReaddirRequest{}
	case TagLookup:
		return &LookupRequest{}
	case TagGetXattr:
		return &GetXattrRequest{}
	case TagListXattrs:
		return &ListXattrsRequest{}
	case TagFilesystemChecksum:
		return &FilesystemChecksumRequest{}
	case TagFilesystemCheck:
		return &FilesystemCheckRequest{}
	case TagFilesystemReady:
		return &FilesystemReadyRequest{}
	case TagFilesystemInformation:
		return &FilesystemInformationRequest{}
	case TagLatestCommit:
		return &LatestCommitRequest{}
	case TagRaftGroupLeader:
		return &RaftGroupLeaderRequest{}
	case TagWrite:
		return &WriteRequest{}
	case TagTruncate:
		return &TruncateRequest{}
	case TagFsync:
		return &FsyncRequest{}
	case TagChmod:
		return &ChmodRequest{}
	case TagChown:
		return &ChownRequest{}
	case TagUtimens:
		return &UtimensRequest{}
	case TagSetXattr:
		return &SetXattrRequest{}
	case TagRemoveXattr:
		return &RemoveXattrRequest{}
	case TagMkdir:
		return &MkdirRequest{}
	case TagCreate:
		return &CreateRequest{}
	case TagUnlink:
		return &UnlinkRequest{}
	case TagRmdir:
		return &RmdirRequest{}
	case TagRename:
		return &RenameRequest{}
	case TagHardlink:
		return &HardlinkRequest{}
	case TagCreateInode:
		return &CreateInodeRequest{}
	case TagCreateLink:
		return &CreateLinkRequest{}
	case TagReplaceLink:
		return &ReplaceLinkRequest{}
	case TagRemoveLink:
		return &RemoveLinkRequest{}
	case TagDecrementInode:
		return &DecrementInodeRequest{}
	case TagHardlinkIncrement:
		return &HardlinkIncrementRequest{}
	case TagHardlinkRollback:
		return &HardlinkRollbackRequest{}
	case TagUpdateParent:
		return &UpdateParentRequest{}
	case TagUpdateMetadataChangedTime:
		return &UpdateMetadataChangedTimeRequest{}
	case TagLock:
		return &LockRequest{}
	case TagUnlock:
		return &UnlockRequest{}
	case TagRaft:
		return &RaftRequest{}
	default:
		return nil
	}
}

// EncodeRequest serializes one request union member.
func EncodeRequest(r Request) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u8(uint8(r.Tag()))
	r.encode(e)
	return e.buf
}

// DecodeRequest parses a request union payload. Unknown tags and truncated
// or oversized bodies yield BadRequest, never a panic.
func DecodeRequest(payload []byte) (Request, error) {
	d := &decoder{buf: payload}
	tag := RequestTag(d.u8())
	req := newRequest(tag)
	if req == nil {
		return nil, Errorf(ErrBadRequest, "unknown request tag %d", tag)
	}
	req.decode(d)
	if !d.done() {
		return nil, Errorf(ErrBadRequest, "malformed %T payload", req)
	}
	return req, nil
}
