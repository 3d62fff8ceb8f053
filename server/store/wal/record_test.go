package wal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	in := RecordHeader{
		TranID:      42,
		PrevTranLSA: LSA{PageID: 7, Offset: 96},
		BackLSA:     LSA{PageID: 7, Offset: 120},
		ForwLSA:     NullLSA,
		Type:        RecUndoRedoData,
	}
	w := NewWriter()
	in.Pack(w)
	assert.Equal(t, RecordHeaderSize, w.Len())

	var out RecordHeader
	require.NoError(t, out.Unpack(NewReader(w.Bytes())))
	assert.Equal(t, in, out)
}

func TestUndoRedoBodyRoundTrip(t *testing.T) {
	in := UndoRedoBody{
		Rcv:  RcvAddr{Index: RVHF_INSERT, VolID: 0, PageID: 33, Offset: 128},
		ULen: MakeBodyLen(64, false),
		RLen: MakeBodyLen(300, true),
	}
	w := NewWriter()
	in.Pack(w)
	var out UndoRedoBody
	out.Unpack(NewReader(w.Bytes()))
	assert.Equal(t, in, out)
	assert.False(t, IsZipped(out.ULen))
	assert.True(t, IsZipped(out.RLen))
	assert.Equal(t, 64, BodyLen(out.ULen))
	assert.Equal(t, 300, BodyLen(out.RLen))
}

func TestChkptTransRoundTrip(t *testing.T) {
	in := ChkptTrans{
		IsLooseEnd: 1,
		TranID:     9,
		State:      3,
		HeadLSA:    LSA{PageID: 1, Offset: 0},
		TailLSA:    LSA{PageID: 4, Offset: 88},
		UndoNxLSA:  LSA{PageID: 4, Offset: 88},
		PospNxLSA:  NullLSA,
		SaveptLSA:  NullLSA,
		TailTopresultLSA: NullLSA,
		ClientUndoLSA:    NullLSA,
		ClientPospLSA:    NullLSA,
		UserName:   "dba",
	}
	w := NewWriter()
	in.Pack(w)
	var out ChkptTrans
	out.Unpack(NewReader(w.Bytes()))
	assert.Equal(t, in, out)
}

func TestActiveHeaderRoundTrip(t *testing.T) {
	in := NewActiveHeader("demodb", 123456789, 4096, 4096, 1280)
	in.AppendLSA = LSA{PageID: 17, Offset: 456}
	in.ChkptLSA = LSA{PageID: 12, Offset: 0}
	in.NxArvPageID = 10
	in.NxArvNum = 2
	in.HAServerState = HAStateActive
	in.EOFLSA = in.AppendLSA

	w := NewWriter()
	in.Pack(w)
	out := &ActiveHeader{}
	require.NoError(t, out.Unpack(NewReader(w.Bytes())))
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate("demodb"))
	assert.Error(t, out.Validate("otherdb"))
}

func TestArchiveHeaderRoundTrip(t *testing.T) {
	in := &ArchiveHeader{
		Magic:      "CUBRID/LogArchive",
		DBCreation: 55,
		NextTranID: 10,
		NPages:     8,
		FPageID:    0,
		ArvNum:     0,
	}
	w := NewWriter()
	in.Pack(w)
	out := &ArchiveHeader{}
	require.NoError(t, out.Unpack(NewReader(w.Bytes())))
	assert.Equal(t, in, out)
	assert.NoError(t, out.Validate())
	assert.True(t, out.ContainsPage(7))
	assert.False(t, out.ContainsPage(8))
}

func TestZipRoundTrip(t *testing.T) {
	// 可压缩的体: 重复模式
	body := bytes.Repeat([]byte("0123456789abcdef"), 64)
	zipped, ok := ZipBody(body)
	require.True(t, ok)
	require.Less(t, len(zipped), len(body))

	out, err := UnzipBody(zipped)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestZipSkipsSmallBodies(t *testing.T) {
	body := []byte("short")
	out, ok := ZipBody(body)
	assert.False(t, ok)
	assert.Equal(t, body, out)
}

func TestReaderOverrun(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_ = r.ReadInt32()
	assert.Error(t, r.Err())
	// 置错后继续读取都是no-op
	assert.Equal(t, int32(0), r.ReadInt32())
	assert.Equal(t, int64(0), r.ReadInt64())
}

func TestCodecAlignment(t *testing.T) {
	w := NewWriter()
	w.WriteInt32(7)
	w.AlignPad()
	assert.Equal(t, 8, w.Len())

	r := NewReader(w.Bytes())
	assert.Equal(t, int32(7), r.ReadInt32())
	r.AlignSkip()
	assert.Equal(t, 8, r.Offset())
}
