// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package safetensors

import "github.com/nishisan-dev/modelstreamer/internal/streamerr"

// Dtype is a safetensors element type tag, resolved against the
// registry in dtypeTable.
type Dtype string

const (
	F64    Dtype = "F64"
	F32    Dtype = "F32"
	F16    Dtype = "F16"
	BF16   Dtype = "BF16"
	I64    Dtype = "I64"
	I32    Dtype = "I32"
	I16    Dtype = "I16"
	I8     Dtype = "I8"
	U8     Dtype = "U8"
	BOOL   Dtype = "BOOL"
	C64    Dtype = "C64"
	U64    Dtype = "U64"
	U32    Dtype = "U32"
	U16    Dtype = "U16"
	F8E4M3 Dtype = "F8_E4M3"
	F8E5M2 Dtype = "F8_E5M2"
	F8E8M0 Dtype = "F8_E8M0"
	F4     Dtype = "F4"
)

// dtypeInfo carries enough of the framework dtype to compute a
// tensor's expected byte footprint. BitWidth is set for sub-byte
// types (currently only F4); all other types use ByteWidth.
type dtypeInfo struct {
	byteWidth int // 0 for sub-byte types
	bitWidth  int // 0 for byte-aligned types
}

// dtypeTable is the registry mapping safetensors type tags to their
// element footprint: standard byte-aligned integer/float types
// (including complex64), the optional unsigned variants, and the
// optional FP8/FP4 sub-byte variants.
var dtypeTable = map[Dtype]dtypeInfo{
	F64:  {byteWidth: 8},
	F32:  {byteWidth: 4},
	F16:  {byteWidth: 2},
	BF16: {byteWidth: 2},
	I64:  {byteWidth: 8},
	I32:  {byteWidth: 4},
	I16:  {byteWidth: 2},
	I8:   {byteWidth: 1},
	U8:   {byteWidth: 1},
	BOOL: {byteWidth: 1},
	C64:  {byteWidth: 8},

	U64: {byteWidth: 8},
	U32: {byteWidth: 4},
	U16: {byteWidth: 2},

	F8E4M3: {byteWidth: 1},
	F8E5M2: {byteWidth: 1},
	F8E8M0: {byteWidth: 1},
	F4:     {bitWidth: 4},
}

// elementCount multiplies the dims of shape, treating an empty shape
// (a scalar tensor) as one element.
func elementCount(shape []int64) int64 {
	var n int64 = 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// expectedPayloadBytes computes the byte footprint a tensor of the
// given dtype and shape must occupy: elements × element_bytes for
// byte-aligned dtypes, or the packed-bits ceiling (elements × bits,
// rounded up to a whole byte, divided by 8) for sub-byte dtypes.
func expectedPayloadBytes(dtype Dtype, shape []int64) (int64, error) {
	info, ok := dtypeTable[dtype]
	if !ok {
		return 0, streamerr.New(streamerr.KindUnknownDtype, "unknown dtype %q", dtype)
	}
	n := elementCount(shape)
	if info.bitWidth > 0 {
		totalBits := n * int64(info.bitWidth)
		return (totalBits + 7) / 8, nil
	}
	return n * int64(info.byteWidth), nil
}
