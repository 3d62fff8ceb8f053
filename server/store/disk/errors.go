package disk

import "errors"

var (
	ErrUnknownPurpose        = errors.New("disk: unknown volume purpose")
	ErrNameTooLong           = errors.New("disk: full database name is too long")
	ErrFormatBadNpages       = errors.New("disk: bad number of pages for volume format")
	ErrUnknownSector         = errors.New("disk: unknown sector id")
	ErrUnknownPage           = errors.New("disk: unknown page id")
	ErrDeallocSysPage        = errors.New("disk: attempt to deallocate a system page")
	ErrNotEnoughPages        = errors.New("disk: not enough pages in database")
	ErrInconsistentVolHeader = errors.New("disk: inconsistent volume header")
	ErrAlmostOutOfSpace      = errors.New("disk: volume is almost out of space")
)
