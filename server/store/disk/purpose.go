package disk

// VolPurpose 卷的用途
type VolPurpose int32

const (
	// PermDataPurpose 永久数据卷
	PermDataPurpose VolPurpose = iota
	// PermIndexPurpose 永久索引卷
	PermIndexPurpose
	// PermGenericPurpose 永久通用卷, 数据与索引的兜底
	PermGenericPurpose
	// PermTempPurpose 永久临时卷
	PermTempPurpose
	// TempTempPurpose 临时临时卷, 可原地扩展
	TempTempPurpose
	// EitherTempPurpose 查询用伪用途: 任意临时卷
	EitherTempPurpose
)

func (p VolPurpose) String() string {
	switch p {
	case PermDataPurpose:
		return "PERM_DATA"
	case PermIndexPurpose:
		return "PERM_INDEX"
	case PermGenericPurpose:
		return "PERM_GENERIC"
	case PermTempPurpose:
		return "PERM_TEMP"
	case TempTempPurpose:
		return "TEMP_TEMP"
	case EitherTempPurpose:
		return "EITHER_TEMP"
	}
	return "UNKNOWN_PURPOSE"
}

// IsValidFormatPurpose 可用于format的用途
func (p VolPurpose) IsValidFormatPurpose() bool {
	return p >= PermDataPurpose && p <= TempTempPurpose
}

// IsTemp 临时存储
func (p VolPurpose) IsTemp() bool {
	return p == PermTempPurpose || p == TempTempPurpose
}
