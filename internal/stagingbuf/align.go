// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stagingbuf

import "unsafe"

// sliceAddr returns the numeric address of a byte slice's backing
// array, used only to compute the padding needed to reach an aligned
// start address within an oversized allocation. Never retained or
// compared across garbage collections.
func sliceAddr(b []byte) int64 {
	return int64(uintptr(unsafe.Pointer(&b[0])))
}
