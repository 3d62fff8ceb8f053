package trans

import "errors"

var (
	ErrTableFull            = errors.New("trans: transaction table is full")
	ErrInterrupted          = errors.New("trans: transaction interrupted")
	ErrUnilaterallyAborted  = errors.New("trans: transaction unilaterally aborted by server")
	ErrNoSavepoint          = errors.New("trans: savepoint does not exist")
	ErrNoTopOp              = errors.New("trans: no active top operation")
	ErrNotPrepared          = errors.New("trans: transaction is not prepared")
	ErrNotDistributed       = errors.New("trans: transaction is not distributed")
	ErrUnknownTranIndex     = errors.New("trans: unknown transaction index")
	ErrTranActive           = errors.New("trans: transaction is still active")
	ErrGlobalTranIDInUse    = errors.New("trans: global transaction id already bound")
)
