package kvcache

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType selects the storage precision of cached key and value rows.
type DType int

const (
	DTypeF16 DType = iota
	DTypeBF16
	DTypeF32
)

func (t DType) String() string {
	switch t {
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF32:
		return "f32"
	}
	return fmt.Sprintf("dtype(%d)", int(t))
}

func ParseDType(s string) (DType, error) {
	switch s {
	case "f16", "float16":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "f32", "float32":
		return DTypeF32, nil
	}
	return 0, fmt.Errorf("unsupported kv cache type %q", s)
}

// arena is the backing store for one layer's keys or values: a flat buffer
// of capacity * width elements in the configured precision, indexed by cell.
type arena struct {
	dtype DType
	width int

	bits []uint16
	f32  []float32
}

func newArena(dtype DType, width, capacity int) *arena {
	a := &arena{dtype: dtype, width: width}
	if dtype == DTypeF32 {
		a.f32 = make([]float32, width*capacity)
	} else {
		a.bits = make([]uint16, width*capacity)
	}
	return a
}

func (a *arena) setRow(loc int, row []float32) {
	if len(row) != a.width {
		panic(fmt.Errorf("inconsistent row width (arena: %v row: %v)", a.width, len(row)))
	}

	off := loc * a.width
	switch a.dtype {
	case DTypeF16:
		for i, v := range row {
			a.bits[off+i] = float16.Fromfloat32(v).Bits()
		}
	case DTypeBF16:
		for i, v := range row {
			a.bits[off+i] = uint16(bfloat16.FromFloat32(v))
		}
	default:
		copy(a.f32[off:off+a.width], row)
	}
}

func (a *arena) row(loc int) []float32 {
	off := loc * a.width
	out := make([]float32, a.width)
	switch a.dtype {
	case DTypeF16:
		for i := range out {
			out[i] = float16.Frombits(a.bits[off+i]).Float32()
		}
	case DTypeBF16:
		for i := range out {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(a.bits[off+i]))
		}
	default:
		copy(out, a.f32[off:off+a.width])
	}
	return out
}
