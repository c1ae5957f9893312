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

// ResponseTag discriminates the response union. Values are stable wire
// constants; only append.
type ResponseTag uint8

const (
	TagEmptyResponse ResponseTag = iota
	TagErrorResponse
	TagReadResponse
	TagFileMetadataResponse
	TagDirectoryListingResponse
	TagWrittenResponse
	TagLatestCommitResponse
	TagXattrsResponse
	TagInodeResponse
	TagHardlinkTransactionResponse
	TagLockResponse
	TagRemoveLinkResponse
	TagChecksumResponse
	TagNodeIdResponse
	TagFilesystemInformationResponse
)

// Response is one member of the response union.
type Response interface {
	Tag() ResponseTag
	encode(e *encoder)
	decode(d *decoder)
}

type EmptyResponse struct{}

type ErrorResponse struct {
	Code ErrorCode
}

type ReadResponse struct {
	Data []byte
}

type FileMetadataResponse struct {
	Attrs Attrs
}

type DirectoryListingResponse struct {
	Entries []DirEntry
}

type WrittenResponse struct {
	BytesWritten uint32
}

type LatestCommitResponse struct {
	Commit CommitID
}

// XattrsResponse carries the key list for ListXattrs and the value for
// GetXattr; exactly one side is populated per response.
type XattrsResponse struct {
	Keys  []string
	Value []byte
}

type InodeResponse struct {
	Inode uint64
}

// HardlinkTransactionResponse returns the incremented inode's attributes
// along with the pre-increment mtime needed for rollback.
type HardlinkTransactionResponse struct {
	Attrs        Attrs
	PrevModified Timestamp
}

type LockResponse struct {
	LockID uint64
}

type RemoveLinkResponse struct {
	Inode uint64
	Uid   uint32
	// ProcessingComplete is false when the removal also requires the caller
	// to decrement the target's link count on another rgroup.
	ProcessingComplete bool
}

type ChecksumResponse struct {
	Checksums []RgroupChecksum
}

type NodeIdResponse struct {
	NodeID uint64
}

type FilesystemInformationResponse struct {
	BlockSize     uint32
	MaxNameLength uint32
}

func (*EmptyResponse) Tag() ResponseTag                 { return TagEmptyResponse }
func (*ErrorResponse) Tag() ResponseTag                 { return TagErrorResponse }
func (*ReadResponse) Tag() ResponseTag                  { return TagReadResponse }
func (*FileMetadataResponse) Tag() ResponseTag          { return TagFileMetadataResponse }
func (*DirectoryListingResponse) Tag() ResponseTag      { return TagDirectoryListingResponse }
func (*WrittenResponse) Tag() ResponseTag               { return TagWrittenResponse }
func (*LatestCommitResponse) Tag() ResponseTag          { return TagLatestCommitResponse }
func (*XattrsResponse) Tag() ResponseTag                { return TagXattrsResponse }
func (*InodeResponse) Tag() ResponseTag                 { return TagInodeResponse }
func (*HardlinkTransactionResponse) Tag() ResponseTag   { return TagHardlinkTransactionResponse }
func (*LockResponse) Tag() ResponseTag                  { return TagLockResponse }
func (*RemoveLinkResponse) Tag() ResponseTag            { return TagRemoveLinkResponse }
func (*ChecksumResponse) Tag() ResponseTag              { return TagChecksumResponse }
func (*NodeIdResponse) Tag() ResponseTag                { return TagNodeIdResponse }
func (*FilesystemInformationResponse) Tag() ResponseTag { return TagFilesystemInformationResponse }

func (r *EmptyResponse) encode(*encoder) {}
func (r *EmptyResponse) decode(*decoder) {}

func (r *ErrorResponse) encode(e *encoder) { e.u8(uint8(r.Code)) }
func (r *ErrorResponse) decode(d *decoder) { r.Code = ErrorCode(d.u8()) }

func (r *ReadResponse) encode(e *encoder) { e.bytes(r.Data) }
func (r *ReadResponse) decode(d *decoder) { r.Data = d.bytes() }

func (r *FileMetadataResponse) encode(e *encoder) { e.attrs(r.Attrs) }
func (r *FileMetadataResponse) decode(d *decoder) { r.Attrs = d.attrs() }

func (r *DirectoryListingResponse) encode(e *encoder) {
	e.u32(uint32(len(r.Entries)))
	for _, ent := range r.Entries {
		e.str(ent.Name)
		e.u64(ent.Inode)
		e.u8(uint8(ent.Kind))
	}
}

func (r *DirectoryListingResponse) decode(d *decoder) {
	n := d.u32()
	for i := uint32(0); i < n && !d.bad; i++ {
		r.Entries = append(r.Entries, DirEntry{
			Name:  d.str(),
			Inode: d.u64(),
			Kind:  FileKind(d.u8()),
		})
	}
}

func (r *WrittenResponse) encode(e *encoder) { e.u32(r.BytesWritten) }
func (r *WrittenResponse) decode(d *decoder) { r.BytesWritten = d.u32() }

func (r *LatestCommitResponse) encode(e *encoder) { e.commit(r.Commit) }
func (r *LatestCommitResponse) decode(d *decoder) { r.Commit = d.commit() }

func (r *XattrsResponse) encode(e *encoder) {
	e.u32(uint32(len(r.Keys)))
	for _, k := range r.Keys {
		e.str(k)
	}
	e.bytes(r.Value)
}

func (r *XattrsResponse) decode(d *decoder) {
	n := d.u32()
	for i := uint32(0); i < n && !d.bad; i++ {
		r.Keys = append(r.Keys, d.str())
	}
	r.Value = d.bytes()
}

func (r *InodeResponse) encode(e *encoder) { e.u64(r.Inode) }
func (r *InodeResponse) decode(d *decoder) { r.Inode = d.u64() }

func (r *HardlinkTransactionResponse) encode(e *encoder) {
	e.attrs(r.Attrs)
	e.timestamp(r.PrevModified)
}

func (r *HardlinkTransactionResponse) decode(d *decoder) {
	r.Attrs = d.attrs()
	r.PrevModified = d.timestamp()
}

func (r *LockResponse) encode(e *encoder) { e.u64(r.LockID) }
func (r *LockResponse) decode(d *decoder) { r.LockID = d.u64() }

func (r *RemoveLinkResponse) encode(e *encoder) {
	e.u64(r.Inode)
	e.u32(r.Uid)
	e.bool(r.ProcessingComplete)
}

func (r *RemoveLinkResponse) decode(d *decoder) {
	r.Inode = d.u64()
	r.Uid = d.u32()
	r.ProcessingComplete = d.bool()
}

func (r *ChecksumResponse) encode(e *encoder) {
	e.u32(uint32(len(r.Checksums)))
	for _, c := range r.Checksums {
		e.u16(c.Rgroup)
		e.bytes(c.Checksum)
	}
}

func (r *ChecksumResponse) decode(d *decoder) {
	n := d.u32()
	for i := uint32(0); i < n && !d.bad; i++ {
		r.Checksums = append(r.Checksums, RgroupChecksum{
			Rgroup:   d.u16(),
			Checksum: d.bytes(),
		})
	}
}

func (r *NodeIdResponse) encode(e *encoder) { e.u64(r.NodeID) }
func (r *NodeIdResponse) decode(d *decoder) { r.NodeID = d.u64() }

func (r *FilesystemInformationResponse) encode(e *encoder) {
	e.u32(r.BlockSize)
	e.u32(r.MaxNameLength)
}

func (r *FilesystemInformationResponse) decode(d *decoder) {
	r.BlockSize = d.u32()
	r.MaxNameLength = d.u32()
}

func newResponse(tag ResponseTag) Response {
	switch tag {
	case TagEmptyResponse:
		return &EmptyResponse{}
	case TagErrorResponse:
		return &ErrorResponse{}
	case TagReadResponse:
		return &ReadResponse{}
	case TagFileMetadataResponse:
		return &FileMetadataResponse{}
	case TagDirectoryListingResponse:
		return &DirectoryListingResponse{}
	case TagWrittenResponse:
		return &WrittenResponse{}
	case TagLatestCommitResponse:
		return &LatestCommitResponse{}
	case TagXattrsResponse:
		return &XattrsResponse{}
	case TagInodeResponse:
		return &InodeResponse{}
	case TagHardlinkTransactionResponse:
		return &HardlinkTransactionResponse{}
	case TagLockResponse:
		return &LockResponse{}
	case TagRemoveLinkResponse:
		return &RemoveLinkResponse{}
	case TagChecksumResponse:
		return &ChecksumResponse{}
	case TagNodeIdResponse:
		return &NodeIdResponse{}
	case TagFilesystemInformationResponse:
		return &FilesystemInformationResponse{}
	default:
		return nil
	}
}

// EncodeResponse serializes one response union member.
func EncodeResponse(r Response) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u8(uint8(r.Tag()))
	r.encode(e)
	return e.buf
}

// DecodeResponse parses a response union payload. Malformed payloads yield
// BadResponse at the caller.
func DecodeResponse(payload []byte) (Response, error) {
	d := &decoder{buf: payload}
	tag := ResponseTag(d.u8())
	resp := newResponse(tag)
	if resp == nil {
		return nil, Errorf(ErrBadResponse, "unknown response tag %d", tag)
	}
	resp.decode(d)
	if !d.done() {
		return nil, Errorf(ErrBadResponse, "malformed %T payload", resp)
	}
	return resp, nil
}

// ErrorOf converts a response to an error when it carries one, and returns
// the response unchanged otherwise.
func ErrorOf(r Response) error {
	if er, ok := r.(*ErrorResponse); ok {
		return &Error{Code: er.Code}
	}
	return nil
}
