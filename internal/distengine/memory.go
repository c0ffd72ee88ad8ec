// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package distengine

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// FreeDeviceMemoryBytes reports the free memory available to gate the
// distribution decision in spec §5 ("free device memory >= 2x the
// configured staging-buffer size"). No device family in this module
// talks to a real accelerator, so host available memory stands in for
// device memory the same way the teacher's autoscaler/monitor read
// host resource pressure via gopsutil instead of a device API.
func FreeDeviceMemoryBytes() (int64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return int64(vm.Available), nil
}
