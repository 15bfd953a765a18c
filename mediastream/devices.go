// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package mediastream

import (
	"context"
	"errors"
)

var ErrVideoNotSupported = errors.New("video capture is not supported")

// Devices gives access to local capture hardware
type Devices interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// DevicesFunc allows plain function to be used as Devices
type DevicesFunc func(ctx context.Context, constraints Constraints) (*Stream, error)

func (f DevicesFunc) GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error) {
	return f(ctx, constraints)
}
