package device

import (
	"fmt"

	apperrors "github.com/learnhub/devicegate/pkg/errors"
)

var (
	ErrDeviceNotFound      = apperrors.New(apperrors.ErrCodeDeviceNotFound, "device not found")
	ErrDuplicateDevice     = apperrors.New(apperrors.ErrCodeDuplicateDevice, "device already registered for user")
	ErrDeviceNotAuthorized = apperrors.New(apperrors.ErrCodeDeviceNotAuthorized, "this device is not authorized, please log in again")
)

// NewDeviceLimitExceeded returns the capacity error carrying the current limit
func NewDeviceLimitExceeded(limit int) *apperrors.Error {
	return apperrors.New(apperrors.ErrCodeDeviceLimitExceeded,
		fmt.Sprintf("device limit reached: at most %d active devices are allowed", limit)).
		WithDetail("limit", limit)
}

// IsDeviceLimitExceeded reports whether err is a capacity error
func IsDeviceLimitExceeded(err error) bool {
	return apperrors.IsCode(err, apperrors.ErrCodeDeviceLimitExceeded)
}
