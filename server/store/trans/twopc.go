package trans

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/latch"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 两阶段提交
// 参与者标识是不透明的{host_id, tran_idx}字节块, 核心只按
// 固定长度整块携带, 消息传输在边界之外。

// Messenger 2PC消息边界
// prepare/commit/abort/ack的取帧由外部传输实现。
type Messenger interface {
	// SendPrepare 发prepare并等投票, true=YES
	SendPrepare(particpID []byte) (bool, error)
	// SendDecision 发全局决议并等ack
	SendDecision(particpID []byte, commit bool) error
}

// Coordinator 协调方状态, 只在分布式事务的协调站点非nil
type Coordinator struct {
	GTrid        int32
	ParticpIDLen int32
	Block        []byte // num_particps * particp_id_len
	AckReceived  []bool
	messenger    Messenger
}

// NumParticps 参与方个数
func (c *Coordinator) NumParticps() int32 {
	if c.ParticpIDLen == 0 {
		return 0
	}
	return int32(len(c.Block)) / c.ParticpIDLen
}

// ParticpID 第i个参与者的标识块
func (c *Coordinator) ParticpID(i int32) []byte {
	return c.Block[i*c.ParticpIDLen : (i+1)*c.ParticpIDLen]
}

// AllAcked 决议是否已被全部参与方确认
func (c *Coordinator) AllAcked() bool {
	for _, ok := range c.AckReceived {
		if !ok {
			return false
		}
	}
	return true
}

// AttachCoordinator 把本事务设为分布式事务的协调方
func (t *TDES) AttachCoordinator(gtrid int32, particpIDLen int32, block []byte, m Messenger) {
	t.Coord = &Coordinator{
		GTrid:        gtrid,
		ParticpIDLen: particpIDLen,
		Block:        block,
		AckReceived:  make([]bool, int32(len(block))/particpIDLen),
		messenger:    m,
	}
	t.GTrid = gtrid
}

// IsDistributed 本事务是否参与全局事务
func (t *TDES) IsDistributed() bool {
	return t.Coord != nil || t.GTrid >= 0
}

// commitDistributed 协调方的提交: 2PC全流程
func (t *TDES) commitDistributed() error {
	c := t.Coord
	if c == nil {
		return errors.Trace(ErrNotDistributed)
	}

	// 落2PC_START, 进入收票状态
	body := wal.TwoPCStartBody{
		UserName:     t.Client.DBUser,
		GTrid:        c.GTrid,
		NumParticps:  c.NumParticps(),
		ParticpIDLen: c.ParticpIDLen,
	}
	w := wal.NewWriter()
	body.Pack(w)
	if _, err := t.append(wal.Rec2PCStart, w.Bytes(), c.Block); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactive2PCCollectingVotes
	if err := t.logMgr.FlushAll(); err != nil {
		return errors.Trace(err)
	}

	// 发prepare收票
	allYes := true
	for i := int32(0); i < c.NumParticps(); i++ {
		yes, err := c.messenger.SendPrepare(c.ParticpID(i))
		if err != nil || !yes {
			if err != nil {
				logger.Errorf("2pc prepare to participant %d: %v\n", i, err)
			}
			allYes = false
			break
		}
	}

	if !allYes {
		return errors.Trace(t.abortDistributed())
	}

	// 全YES: 落提交决议并本地提交
	if _, err := t.append(wal.Rec2PCCommitDecision); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactive2PCCommitDecision
	if err := t.logMgr.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	if !t.PospNxLSA.IsNull() {
		if err := t.runPostpone(t.PospNxLSA, t.TailLSA); err != nil {
			return errors.Trace(err)
		}
	}

	// 通知参与方并收ack
	t.State = basic.TranUnactiveCommittedInformingParticipants
	if err := t.informParticipants(true); err != nil {
		return errors.Trace(err)
	}

	dt := wal.DoneTimeBody{AtTime: nowUnixNano()}
	dw := wal.NewWriter()
	dt.Pack(dw)
	lsa, err := t.append(wal.RecCommit, dw.Bytes())
	if err != nil {
		return errors.Trace(err)
	}
	if err = t.logMgr.ForceCommitDurable(lsa); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveCommitted
	return nil
}

// abortDistributed 协调方的中止决议
func (t *TDES) abortDistributed() error {
	if _, err := t.append(wal.Rec2PCAbortDecision); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactive2PCAbortDecision
	if err := t.logMgr.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	if err := t.rollbackTo(wal.NullLSA); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveAbortedInformingParticipants
	if err := t.informParticipants(false); err != nil {
		return errors.Trace(err)
	}
	dt := wal.DoneTimeBody{AtTime: nowUnixNano()}
	dw := wal.NewWriter()
	dt.Pack(dw)
	if _, err := t.append(wal.RecAbort, dw.Bytes()); err != nil {
		return errors.Trace(err)
	}
	t.State = basic.TranUnactiveAborted
	return nil
}

// informParticipants 把决议发给所有参与方, 每个ack落一条2PC_RECV_ACK
func (t *TDES) informParticipants(commit bool) error {
	c := t.Coord
	for i := int32(0); i < c.NumParticps(); i++ {
		if c.AckReceived[i] {
			continue
		}
		if err := c.messenger.SendDecision(c.ParticpID(i), commit); err != nil {
			// 发不出去的参与方留作善后, 决议已持久
			logger.Errorf("2pc decision to participant %d: %v\n", i, err)
			continue
		}
		if err := t.RecordAck(i); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// RecordAck 收到第i个参与方的ack
func (t *TDES) RecordAck(particpIndex int32) error {
	body := wal.TwoPCAckBody{ParticpIndex: particpIndex}
	w := wal.NewWriter()
	body.Pack(w)
	if _, err := t.append(wal.Rec2PCRecvAck, w.Bytes()); err != nil {
		return errors.Trace(err)
	}
	if t.Coord != nil && int(particpIndex) < len(t.Coord.AckReceived) {
		t.Coord.AckReceived[particpIndex] = true
	}
	return nil
}

// Prepare 参与方: 收到prepare时落2PC_PREPARE并刷盘
// 持有的更新锁计数进记录, 崩溃恢复后锁要重新立起来。
func (t *TDES) Prepare(gtrid int32, gtrinfo []byte, numObjLocks, numPageLocks uint32) error {
	body := wal.TwoPCPrepareBody{
		UserName:       t.Client.DBUser,
		GTrid:          gtrid,
		GTrinfoLen:     int32(len(gtrinfo)),
		NumObjectLocks: numObjLocks,
		NumPageLocks:   numPageLocks,
	}
	w := wal.NewWriter()
	body.Pack(w)
	if _, err := t.append(wal.Rec2PCPrepare, w.Bytes(), gtrinfo); err != nil {
		return errors.Trace(err)
	}
	t.GTrid = gtrid
	t.State = basic.TranUnactive2PCPrepare
	// prepare必须先于YES投票持久
	return errors.Trace(t.logMgr.FlushAll())
}

// CommitPrepared 参与方: 提交决议到达
func (t *TDES) CommitPrepared() error {
	if t.State != basic.TranUnactive2PCPrepare {
		return errors.Trace(ErrNotPrepared)
	}
	t.State = basic.TranActive
	return errors.Trace(t.commitLocal())
}

// AbortPrepared 参与方: 中止决议到达
func (t *TDES) AbortPrepared() error {
	if t.State != basic.TranUnactive2PCPrepare {
		return errors.Trace(ErrNotPrepared)
	}
	t.State = basic.TranActive
	return errors.Trace(t.Abort())
}

// TranIDMap 本地事务号与全局事务号的映射
// CSECT_TRAN_ID_MAP保护。
type TranIDMap struct {
	cs      *latch.Csect
	byGTrid map[int32]int
}

// NewTranIDMap 创建映射
func NewTranIDMap(cs *latch.Csect) *TranIDMap {
	return &TranIDMap{cs: cs, byGTrid: make(map[int32]int)}
}

// Bind 绑定全局事务号到槽位
func (m *TranIDMap) Bind(gtrid int32, tranIndex int) error {
	m.cs.Enter()
	defer m.cs.Exit()
	if _, ok := m.byGTrid[gtrid]; ok {
		return errors.Annotatef(ErrGlobalTranIDInUse, "%d", gtrid)
	}
	m.byGTrid[gtrid] = tranIndex
	return nil
}

// Lookup 按全局事务号查槽位
func (m *TranIDMap) Lookup(gtrid int32) (int, bool) {
	m.cs.EnterShared()
	defer m.cs.ExitShared()
	idx, ok := m.byGTrid[gtrid]
	return idx, ok
}

// Unbind 解除绑定
func (m *TranIDMap) Unbind(gtrid int32) {
	m.cs.Enter()
	defer m.cs.Exit()
	delete(m.byGTrid, gtrid)
}
