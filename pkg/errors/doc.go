// Package errors provides structured error handling with error codes for devicegate.
//
// Every error that crosses the HTTP boundary carries a machine-readable
// ErrorCode; handlers translate it to a status with MapErrorCodeToHTTPStatus
// and render the message and details.
//
// # Basic Usage
//
//	import apperrors "github.com/learnhub/devicegate/pkg/errors"
//
//	err := apperrors.New(apperrors.ErrCodeDeviceLimitExceeded, "device limit reached").
//		WithDetail("limit", 2)
//
//	if apperrors.IsCode(err, apperrors.ErrCodeDeviceLimitExceeded) {
//		limit := apperrors.GetDetails(err)["limit"]
//		...
//	}
//
// # Device Codes
//
//   - ErrCodeDeviceLimitExceeded (403): the user has no free device slot
//   - ErrCodeDeviceNotAuthorized (403): the request came from a device with no active record
//   - ErrCodeDeviceNotFound (404)
//   - ErrCodeDuplicateDevice (409): lost a concurrent insert; recovered inside the device service
//
// Errors that are not *Error map to ErrCodeInternal and GetMessage returns a
// generic text for them, so storage errors never reach clients verbatim.
package errors
