package applier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 主库写出的复制流, 应用者侧按同一套页缓存读回。

func writeMasterStream(t *testing.T, dir string) (wal.LSA, *RowImage) {
	t.Helper()
	cs := latch.NewSet()
	m, err := wal.Create(wal.Config{
		Dir:      dir,
		Prefix:   "masterdb",
		PageSize: 512,
		NBuffers: 8,
		NPages:   64,
	}, cs.Get(latch.CsectLog), 1, 512)
	require.NoError(t, err)

	ri := &RowImage{
		ClassName: "t1",
		PKeyCols:  []NamedValue{{Name: "id", Value: Value{Tag: TagInt, Int: 1}}},
		Attrs: []NamedValue{
			{Name: "id", Value: Value{Tag: TagInt, Int: 1}},
			{Name: "v", Value: Value{Tag: TagString, Str: "a"}},
		},
	}
	rw := wal.NewWriter()
	ri.Pack(rw)
	payload := rw.Bytes()

	body := wal.ReplicationBody{
		TargetLSA: wal.NullLSA,
		Len:       wal.MakeBodyLen(len(payload), false),
		RcvIndex:  int32(wal.RVREPL_DATA_INSERT),
	}
	bw := wal.NewWriter()
	body.Pack(bw)
	replLSA, err := m.Append(wal.AppendSpec{
		TranID: 5, PrevTranLSA: wal.NullLSA,
		Type:   wal.RecReplicationData,
		Crumbs: [][]byte{bw.Bytes(), payload},
	})
	require.NoError(t, err)

	_, err = m.Append(wal.AppendSpec{
		TranID: 5, PrevTranLSA: replLSA,
		Type: wal.RecUnlockCommit,
	})
	require.NoError(t, err)

	require.NoError(t, m.FlushAll())
	require.NoError(t, m.Shutdown())
	return replLSA, ri
}

func TestSourceReadsMasterStream(t *testing.T) {
	dir := t.TempDir()
	replLSA, ri := writeMasterStream(t, dir)

	src, err := OpenLogSource(dir, "masterdb")
	require.NoError(t, err)
	defer src.Close()

	pb := wal.NewPageBuffer(8, src.PageSize(), src)
	rr := wal.NewRecordReader(pb, src.PageSize())

	hdr, cur, err := rr.ReadHeader(replLSA)
	require.NoError(t, err)
	defer cur.Close()
	assert.Equal(t, wal.RecReplicationData, hdr.Type)
	assert.Equal(t, int32(5), hdr.TranID)

	body, payload, err := cur.ReadReplication()
	require.NoError(t, err)
	assert.Equal(t, int32(wal.RVREPL_DATA_INSERT), body.RcvIndex)

	out, err := UnpackRowImage(payload)
	require.NoError(t, err)
	assert.Equal(t, ri.ClassName, out.ClassName)
	assert.Equal(t, ri.PKeyCols, out.PKeyCols)

	// UNLOCK_COMMIT跟在后面
	assert.False(t, hdr.ForwLSA.IsNull())
	hdr2, cur2, err := rr.ReadHeader(hdr.ForwLSA)
	require.NoError(t, err)
	cur2.Close()
	assert.Equal(t, wal.RecUnlockCommit, hdr2.Type)
}

func TestSourceRejectsWrongPrefix(t *testing.T) {
	dir := t.TempDir()
	writeMasterStream(t, dir)
	_, err := OpenLogSource(dir, "otherdb")
	assert.Error(t, err)
}
