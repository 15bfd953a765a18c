//go:build !with_malgo

// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

// DefaultDevices returns nil as no capture backend is compiled in.
// Build with tag with_malgo for microphone capture.
func DefaultDevices() Devices {
	return nil
}
