package recovery

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xtide-server/logger"
	"github.com/zhukovaskychina/xtide-server/server/store/basic"
	"github.com/zhukovaskychina/xtide-server/server/store/trans"
)

// undo遍: 每个仍然活跃的事务沿undo_nxlsa回链补偿。
// prepare态的in-doubt事务不动; undo_nxlsa为NULL即该事务undo完毕。

func (r *Recovery) undo() error {
	var victims []*trans.TDES
	r.table.Each(func(tdes *trans.TDES) bool {
		if tdes.TranIndex == trans.SystemTranIndex {
			return true
		}
		switch tdes.State {
		case basic.TranActive, basic.TranUnactiveUnilaterallyAborted:
			victims = append(victims, tdes)
		case basic.TranUnactiveCommittedWithPostpone:
			// 提交已定, postpone续跑而不是undo
		}
		return true
	})

	for _, tdes := range victims {
		logger.Infof("undoing trid=%d from %s\n", tdes.TranID, tdes.UndoNxLSA)
		if err := tdes.Abort(); err != nil {
			return errors.Trace(err)
		}
		r.Stats.TransUndone++
	}

	// 带postpone的提交者把剩下的postpone跑完
	var resumers []*trans.TDES
	r.table.Each(func(tdes *trans.TDES) bool {
		if tdes.State == basic.TranUnactiveCommittedWithPostpone {
			resumers = append(resumers, tdes)
		}
		return true
	})
	for _, tdes := range resumers {
		if err := tdes.ResumePostponeAndCommit(); err != nil {
			return errors.Trace(err)
		}
	}

	r.freeFinished()
	return nil
}
