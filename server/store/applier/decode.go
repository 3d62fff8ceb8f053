package applier

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/zhukovaskychina/xtide-server/server/store/wal"
)

// 复制记录载荷的取值编解码
// 主库按"类名 + 主键 + 属性"打包行镜像, 属性值带类型标签。
// 读取端越界不panic: Reader带错误标志, 解码完统一检查。

// ErrBadPayload 复制载荷解析失败
var ErrBadPayload = errors.New("applier: malformed replication payload")

// ValueTag 属性值的类型标签
type ValueTag byte

const (
	TagNull ValueTag = iota
	TagInt
	TagFloat
	TagString
	TagBytes
	TagDecimal
	TagTime
)

// Value 一个带类型的列值
type Value struct {
	Tag     ValueTag
	Int     int64
	Float   float64
	Str     string
	Bytes   []byte
	Decimal decimal.Decimal
	Time    time.Time
}

// IsNull 空值
func (v *Value) IsNull() bool { return v.Tag == TagNull }

// packValue 写一个值
func packValue(w *wal.Writer, v *Value) {
	w.WriteByte(byte(v.Tag))
	switch v.Tag {
	case TagNull:
	case TagInt:
		w.WriteInt64(v.Int)
	case TagFloat:
		w.WriteInt64(int64(float64bits(v.Float)))
	case TagString:
		w.WriteInt32(int32(len(v.Str)))
		w.WriteBytes([]byte(v.Str))
	case TagBytes:
		w.WriteInt32(int32(len(v.Bytes)))
		w.WriteBytes(v.Bytes)
	case TagDecimal:
		s := v.Decimal.String()
		w.WriteInt32(int32(len(s)))
		w.WriteBytes([]byte(s))
	case TagTime:
		w.WriteInt64(v.Time.UnixNano())
	}
}

// unpackValue 读一个值
func unpackValue(r *wal.Reader) (Value, error) {
	var v Value
	v.Tag = ValueTag(r.ReadByte())
	switch v.Tag {
	case TagNull:
	case TagInt:
		v.Int = r.ReadInt64()
	case TagFloat:
		v.Float = float64frombits(uint64(r.ReadInt64()))
	case TagString:
		n := r.ReadInt32()
		v.Str = string(r.ReadBytes(int(n)))
	case TagBytes:
		n := r.ReadInt32()
		raw := r.ReadBytes(int(n))
		v.Bytes = append([]byte(nil), raw...)
	case TagDecimal:
		n := r.ReadInt32()
		s := string(r.ReadBytes(int(n)))
		if r.Err() != nil {
			return v, errors.Wrap(ErrBadPayload, "decimal")
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return v, errors.Wrapf(ErrBadPayload, "decimal %q", s)
		}
		v.Decimal = d
	case TagTime:
		v.Time = time.Unix(0, r.ReadInt64())
	default:
		return v, errors.Wrapf(ErrBadPayload, "value tag %d", v.Tag)
	}
	if r.Err() != nil {
		return v, errors.Wrap(ErrBadPayload, r.Err().Error())
	}
	return v, nil
}

// NamedValue 带列名的值
type NamedValue struct {
	Name  string
	Value Value
}

// RowImage 一行的复制镜像
type RowImage struct {
	ClassName string
	PKeyCols  []NamedValue // 主键列
	Attrs     []NamedValue // 变更属性(insert为全列)
}

// Pack 序列化行镜像
func (ri *RowImage) Pack(w *wal.Writer) {
	w.WriteInt32(int32(len(ri.ClassName)))
	w.WriteBytes([]byte(ri.ClassName))
	w.WriteInt32(int32(len(ri.PKeyCols)))
	for i := range ri.PKeyCols {
		packNamed(w, &ri.PKeyCols[i])
	}
	w.WriteInt32(int32(len(ri.Attrs)))
	for i := range ri.Attrs {
		packNamed(w, &ri.Attrs[i])
	}
}

func packNamed(w *wal.Writer, nv *NamedValue) {
	w.WriteInt32(int32(len(nv.Name)))
	w.WriteBytes([]byte(nv.Name))
	packValue(w, &nv.Value)
}

func unpackNamed(r *wal.Reader) (NamedValue, error) {
	var nv NamedValue
	n := r.ReadInt32()
	nv.Name = string(r.ReadBytes(int(n)))
	v, err := unpackValue(r)
	if err != nil {
		return nv, err
	}
	nv.Value = v
	return nv, nil
}

// UnpackRowImage 反序列化行镜像
func UnpackRowImage(data []byte) (*RowImage, error) {
	r := wal.NewReader(data)
	ri := &RowImage{}
	n := r.ReadInt32()
	ri.ClassName = string(r.ReadBytes(int(n)))
	npk := r.ReadInt32()
	if r.Err() != nil || npk < 0 || npk > 1024 {
		return nil, errors.Wrap(ErrBadPayload, "pkey count")
	}
	for i := int32(0); i < npk; i++ {
		nv, err := unpackNamed(r)
		if err != nil {
			return nil, err
		}
		ri.PKeyCols = append(ri.PKeyCols, nv)
	}
	nattr := r.ReadInt32()
	if r.Err() != nil || nattr < 0 || nattr > 4096 {
		return nil, errors.Wrap(ErrBadPayload, "attr count")
	}
	for i := int32(0); i < nattr; i++ {
		nv, err := unpackNamed(r)
		if err != nil {
			return nil, err
		}
		ri.Attrs = append(ri.Attrs, nv)
	}
	if r.Err() != nil {
		return nil, errors.Wrap(ErrBadPayload, r.Err().Error())
	}
	return ri, nil
}

// SchemaImage 模式变更镜像
type SchemaImage struct {
	DBUser string
	DDL    string
}

// Pack 序列化
func (si *SchemaImage) Pack(w *wal.Writer) {
	w.WriteInt32(int32(len(si.DBUser)))
	w.WriteBytes([]byte(si.DBUser))
	w.WriteInt32(int32(len(si.DDL)))
	w.WriteBytes([]byte(si.DDL))
}

// UnpackSchemaImage 反序列化
func UnpackSchemaImage(data []byte) (*SchemaImage, error) {
	r := wal.NewReader(data)
	si := &SchemaImage{}
	n := r.ReadInt32()
	si.DBUser = string(r.ReadBytes(int(n)))
	n = r.ReadInt32()
	si.DDL = string(r.ReadBytes(int(n)))
	if r.Err() != nil {
		return nil, errors.Wrap(ErrBadPayload, r.Err().Error())
	}
	return si, nil
}

// sqlArg SQL参数形式
func (v *Value) sqlArg() interface{} {
	switch v.Tag {
	case TagNull:
		return nil
	case TagInt:
		return v.Int
	case TagFloat:
		return v.Float
	case TagString:
		return v.Str
	case TagBytes:
		return v.Bytes
	case TagDecimal:
		return v.Decimal.String()
	case TagTime:
		return v.Time
	}
	return nil
}

func float64bits(f float64) uint64 {
	return math.Float64bits(f)
}

func float64frombits(b uint64) float64 {
	return math.Float64frombits(b)
}
