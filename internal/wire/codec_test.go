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
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type CodecTest struct {
	suite.Suite
}

func TestCodecSuite(t *testing.T) {
	suite.Run(t, new(CodecTest))
}

func (t *CodecTest) roundTripRequest(req Request) Request {
	payload := EncodeRequest(req)
	decoded, err := DecodeRequest(payload)
	require.NoError(t.T(), err)
	return decoded
}

func (t *CodecTest) roundTripResponse(resp Response) Response {
	payload := EncodeResponse(resp)
	decoded, err := DecodeResponse(payload)
	require.NoError(t.T(), err)
	return decoded
}

func (t *CodecTest) TestFrameRoundTrip() {
	var buf bytes.Buffer
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t.T(), WriteFrame(&buf, payload))

	// Length prefix is little-endian.
	assert.Equal(t.T(), []byte{4, 0, 0, 0}, buf.Bytes()[:4])

	got, err := ReadFrame(&buf)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), payload, got)
}

func (t *CodecTest) TestFrameRejectsOversizedLength() {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	require.Error(t.T(), err)
	assert.Equal(t.T(), ErrBadRequest, CodeOf(err))
}

func (t *CodecTest) TestRequestRoundTrips() {
	lockID := uint64(77)
	uid := uint32(1000)
	mtime := Timestamp{Seconds: 1700000000, Nanos: 12345}
	commit := CommitID{Term: 3, Index: 42}

	requests := []Request{
		&GetattrRequest{Inode: 5},
		&ReadRequest{Inode: 5, Offset: 1 << 40, Size: 4096, RequiredCommit: &commit},
		&ReadRequest{Inode: 5, Offset: 0, Size: 0},
		&ReadRawRequest{Inode: 5, Offset: 9, Size: 1, RequiredCommit: commit},
		&ReaddirRequest{Inode: 1},
		&LookupRequest{Parent: 1, Name: "etc", Context: UserContext{Uid: 0, Gid: 0}},
		&GetXattrRequest{Inode: 2, Key: "user.tag", Context: UserContext{Uid: 1000, Gid: 1000}},
		&ListXattrsRequest{Inode: 2},
		&FilesystemChecksumRequest{},
		&FilesystemCheckRequest{},
		&FilesystemReadyRequest{},
		&FilesystemInformationRequest{},
		&LatestCommitRequest{Rgroup: 3},
		&RaftGroupLeaderRequest{Rgroup: 3},
		&WriteRequest{Inode: 5, Offset: 17, Data: []byte("hello")},
		&TruncateRequest{Inode: 5, NewLen: 0, Context: UserContext{Uid: 1}},
		&FsyncRequest{Inode: 5},
		&ChmodRequest{Inode: 5, Mode: 0o644, Context: UserContext{Uid: 1}},
		&ChownRequest{Inode: 5, Uid: &uid, Gid: nil, Context: UserContext{Uid: 0}},
		&UtimensRequest{Inode: 5, Atime: nil, Mtime: &mtime, Context: UserContext{Uid: 1}},
		&SetXattrRequest{Inode: 5, Key: "user.k", Value: []byte{1, 2}, Context: UserContext{}},
		&RemoveXattrRequest{Inode: 5, Key: "user.k", Context: UserContext{}},
		&MkdirRequest{Parent: 1, Name: "d", Mode: 0o755, Context: UserContext{Uid: 1000, Gid: 100}},
		&CreateRequest{Parent: 1, Name: "f", Mode: 0o644, Kind: KindFile, Context: UserContext{Uid: 1000}},
		&UnlinkRequest{Parent: 1, Name: "f", Context: UserContext{Uid: 1000}},
		&RmdirRequest{Parent: 1, Name: "d", Context: UserContext{Uid: 1000}},
		&RenameRequest{Parent: 1, Name: "a", NewParent: 2, NewName: "b", Context: UserContext{}},
		&HardlinkRequest{Inode: 5, NewParent: 2, NewName: "b", Context: UserContext{}},
		&CreateInodeRequest{Kind: KindDirectory, Mode: 0o700, Uid: 1, Gid: 2, Parent: 1},
		&CreateLinkRequest{Parent: 1, Name: "x", Inode: 9, Kind: KindFile, LockID: &lockID, Context: UserContext{}},
		&ReplaceLinkRequest{Parent: 1, Name: "x", NewInode: 10, Kind: KindFile, LockID: nil, Context: UserContext{}},
		&RemoveLinkRequest{Parent: 1, Name: "x", LinkInode: &lockID, LinkUid: &uid, LockID: nil, Context: UserContext{}},
		&DecrementInodeRequest{Inode: 9, Count: 1, LockID: &lockID},
		&HardlinkIncrementRequest{Inode: 9},
		&HardlinkRollbackRequest{Inode: 9, PrevModified: mtime},
		&UpdateParentRequest{Inode: 9, NewParent: 2, LockID: &lockID},
		&UpdateMetadataChangedTimeRequest{Inode: 9, LockID: nil},
		&LockRequest{Inode: 9},
		&UnlockRequest{Inode: 9, LockID: 77},
		&RaftRequest{Rgroup: 1, Message: []byte{9, 9, 9}},
	}

	for _, req := range requests {
		t.Run(fmt.Sprintf("%T", req), func() {
			assert.Equal(t.T(), req, t.roundTripRequest(req))
		})
	}
}

func (t *CodecTest) TestResponseRoundTrips() {
	responses := []Response{
		&EmptyResponse{},
		&ErrorResponse{Code: ErrNotEmpty},
		&ReadResponse{Data: []byte("payload")},
		&FileMetadataResponse{Attrs: Attrs{
			Inode:     7,
			Kind:      KindSymlink,
			Mode:      0o777,
			Uid:       1000,
			Gid:       1000,
			Size:      11,
			Blocks:    1,
			Atime:     Timestamp{Seconds: 1, Nanos: 2},
			Mtime:     Timestamp{Seconds: 3, Nanos: 4},
			Ctime:     Timestamp{Seconds: 5, Nanos: 6},
			HardLinks: 1,
			BlockSize: BlockSize,
		}},
		&DirectoryListingResponse{Entries: []DirEntry{
			{Name: "a", Inode: 2, Kind: KindFile},
			{Name: "b", Inode: 3, Kind: KindDirectory},
		}},
		&WrittenResponse{BytesWritten: 512},
		&LatestCommitResponse{Commit: CommitID{Term: 2, Index: 19}},
		&XattrsResponse{Keys: []string{"user.a", "user.b"}},
		&XattrsResponse{Value: []byte{1, 2, 3}},
		&InodeResponse{Inode: 42},
		&HardlinkTransactionResponse{
			Attrs:        Attrs{Inode: 42, HardLinks: 2},
			PrevModified: Timestamp{Seconds: 9, Nanos: 8},
		},
		&LockResponse{LockID: 1},
		&RemoveLinkResponse{Inode: 42, Uid: 1000, ProcessingComplete: true},
		&ChecksumResponse{Checksums: []RgroupChecksum{
			{Rgroup: 0, Checksum: []byte{1}},
			{Rgroup: 1, Checksum: []byte{2}},
		}},
		&NodeIdResponse{NodeID: 6},
		&FilesystemInformationResponse{BlockSize: BlockSize, MaxNameLength: MaxNameLength},
	}

	for _, resp := range responses {
		assert.Equal(t.T(), resp, t.roundTripResponse(resp))
	}
}

func (t *CodecTest) TestUnknownRequestTagIsBadRequest() {
	_, err := DecodeRequest([]byte{0xff})
	require.Error(t.T(), err)
	assert.Equal(t.T(), ErrBadRequest, CodeOf(err))
}

func (t *CodecTest) TestTruncatedRequestIsBadRequest() {
	payload := EncodeRequest(&LookupRequest{Parent: 1, Name: "abcdef"})
	for cut := 1; cut < len(payload); cut++ {
		_, err := DecodeRequest(payload[:cut])
		require.Error(t.T(), err, "cut at %d", cut)
		assert.Equal(t.T(), ErrBadRequest, CodeOf(err))
	}
}

func (t *CodecTest) TestTrailingGarbageIsBadRequest() {
	payload := append(EncodeRequest(&GetattrRequest{Inode: 1}), 0x00)
	_, err := DecodeRequest(payload)
	require.Error(t.T(), err)
	assert.Equal(t.T(), ErrBadRequest, CodeOf(err))
}

func (t *CodecTest) TestUnknownResponseTagIsBadResponse() {
	_, err := DecodeResponse([]byte{0xff})
	require.Error(t.T(), err)
	assert.Equal(t.T(), ErrBadResponse, CodeOf(err))
}

func (t *CodecTest) TestErrnoMapping() {
	assert.Equal(t.T(), unix.ENOENT, ErrDoesNotExist.Errno())
	assert.Equal(t.T(), unix.ENOENT, ErrInodeDoesNotExist.Errno())
	assert.Equal(t.T(), unix.EEXIST, ErrAlreadyExists.Errno())
	assert.Equal(t.T(), unix.ENOTEMPTY, ErrNotEmpty.Errno())
	assert.Equal(t.T(), unix.ENAMETOOLONG, ErrNameTooLong.Errno())
	assert.Equal(t.T(), unix.ENODATA, ErrMissingXattrKey.Errno())
	assert.Equal(t.T(), unix.ENOTSUP, ErrInvalidXattrNamespace.Errno())
	assert.Equal(t.T(), unix.EIO, ErrRaftFailure.Errno())
}
