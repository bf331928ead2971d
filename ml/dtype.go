package ml

import (
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage precision of an array. Arithmetic always happens in
// float32; F16 and BF16 arrays carry values rounded onto the narrower grid.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (dt DType) String() string {
	switch dt {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	}
	return fmt.Sprintf("DType(%d)", int(dt))
}

// Size returns the on-disk bytes per element.
func (dt DType) Size() int {
	if dt == DTypeF32 {
		return 4
	}
	return 2
}

// DTypeFromString parses a safetensors dtype name.
func DTypeFromString(s string) (DType, error) {
	switch s {
	case "F32":
		return DTypeF32, nil
	case "F16":
		return DTypeF16, nil
	case "BF16":
		return DTypeBF16, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", s)
}

// AsDType rounds the array's values onto dt's grid and records dt as the
// array's storage precision. Returns the receiver. Rounding applies even when
// dt matches the current dtype, so arithmetic done in float32 can be snapped
// back after mutating a narrow-precision array.
func (a *Array) AsDType(dt DType) *Array {
	switch dt {
	case DTypeF32:
	case DTypeF16:
		for i, v := range a.data {
			a.data[i] = float16.Fromfloat32(v).Float32()
		}
	case DTypeBF16:
		quantized := bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(a.data))
		copy(a.data, quantized)
	}
	a.dtype = dt
	return a
}
