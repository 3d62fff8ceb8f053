package applier

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

func TestRowImageRoundTrip(t *testing.T) {
	dec, _ := decimal.NewFromString("12345.6789")
	in := &RowImage{
		ClassName: "orders",
		PKeyCols: []NamedValue{
			{Name: "id", Value: Value{Tag: TagInt, Int: 1}},
			{Name: "region", Value: Value{Tag: TagString, Str: "a"}},
		},
		Attrs: []NamedValue{
			{Name: "id", Value: Value{Tag: TagInt, Int: 1}},
			{Name: "region", Value: Value{Tag: TagString, Str: "a"}},
			{Name: "amount", Value: Value{Tag: TagDecimal, Decimal: dec}},
			{Name: "ratio", Value: Value{Tag: TagFloat, Float: 0.25}},
			{Name: "note", Value: Value{Tag: TagNull}},
			{Name: "blob", Value: Value{Tag: TagBytes, Bytes: []byte{1, 2, 3}}},
		},
	}
	w := wal.NewWriter()
	in.Pack(w)
	out, err := UnpackRowImage(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in.ClassName, out.ClassName)
	assert.Equal(t, in.PKeyCols, out.PKeyCols)
	require.Len(t, out.Attrs, 6)
	assert.True(t, in.Attrs[2].Value.Decimal.Equal(out.Attrs[2].Value.Decimal))
	assert.Equal(t, 0.25, out.Attrs[3].Value.Float)
	assert.True(t, out.Attrs[4].Value.IsNull())
	assert.Equal(t, []byte{1, 2, 3}, out.Attrs[5].Value.Bytes)
}

func TestSchemaImageRoundTrip(t *testing.T) {
	in := &SchemaImage{DBUser: "dba", DDL: "CREATE TABLE t (id INT PRIMARY KEY)"}
	w := wal.NewWriter()
	in.Pack(w)
	out, err := UnpackSchemaImage(w.Bytes())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestBadPayloadRejected(t *testing.T) {
	_, err := UnpackRowImage([]byte{0xFF, 0xFF})
	assert.Error(t, err)
	_, err = UnpackSchemaImage([]byte{9})
	assert.Error(t, err)
}

func TestCommitQueueFiringOrder(t *testing.T) {
	s := newLists()

	s.get(10).Add(&Item{Kind: ItemInsert, LSA: wal.LSA{PageID: 1, Offset: 0}})
	s.get(11).Add(&Item{Kind: ItemInsert, LSA: wal.LSA{PageID: 1, Offset: 64}})

	// UNLOCK只排队, 不点火
	s.enqueueUnlock(10, wal.LSA{PageID: 1, Offset: 100})
	s.enqueueUnlock(11, wal.LSA{PageID: 1, Offset: 200})
	assert.Equal(t, CommitUnlock, s.commitHead.State)

	// 后到的事务先COMMIT: 队头仍未点火, 不能出队
	assert.True(t, s.fire(11, 123))
	assert.Equal(t, CommitUnlock, s.commitHead.State)
	assert.Equal(t, CommitFired, s.commitHead.Next.State)

	// 队头点火后两个都能按序出队
	assert.True(t, s.fire(10, 456))
	assert.Equal(t, CommitFired, s.commitHead.State)

	// 没有排队的事务点不着
	assert.False(t, s.fire(99, 0))
}

func TestAbortDropsItems(t *testing.T) {
	s := newLists()
	s.get(7).Add(&Item{Kind: ItemInsert})
	s.get(7).Add(&Item{Kind: ItemUpdate})
	assert.Equal(t, 2, s.pending())

	s.drop(7)
	assert.Equal(t, 0, s.pending())
}

func TestMinHeadPage(t *testing.T) {
	s := newLists()
	assert.Equal(t, int32(-1), s.minHeadPage())

	s.get(1).Add(&Item{LSA: wal.LSA{PageID: 9, Offset: 0}})
	s.get(2).Add(&Item{LSA: wal.LSA{PageID: 4, Offset: 8}})
	assert.Equal(t, int32(4), s.minHeadPage())
}

func TestItemKindMapping(t *testing.T) {
	cases := map[wal.RcvIndex]ItemKind{
		wal.RVREPL_DATA_INSERT:       ItemInsert,
		wal.RVREPL_DATA_UPDATE:       ItemUpdate,
		wal.RVREPL_DATA_DELETE:       ItemDelete,
		wal.RVREPL_DATA_UPDATE_START: ItemUpdateStart,
		wal.RVREPL_DATA_UPDATE_END:   ItemUpdateEnd,
		wal.RVREPL_SCHEMA:            ItemSchema,
	}
	for idx, want := range cases {
		got, ok := itemKindOf(idx)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := itemKindOf(wal.RVHF_INSERT)
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECOVERING", StateRecovering.String())
	assert.Equal(t, "WORKING", StateWorking.String())
	assert.Equal(t, "DONE", StateDone.String())
}
