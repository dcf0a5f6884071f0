package devemu

import "errors"

var (
	// ErrInvalidAccess reports a register access the device does not decode.
	// It never becomes a guest-visible fault.
	ErrInvalidAccess = errors.New("invalid register access")

	// ErrNoEmulator means no emulator matches any of a node's compatible strings.
	ErrNoEmulator = errors.New("no emulator for compatible")

	// ErrMissingProperty means a device-tree property the model requires is absent.
	ErrMissingProperty = errors.New("missing device-tree property")

	ErrHostDeviceNotFound = errors.New("host device not found")
	ErrWrongDriverKind    = errors.New("host device has the wrong driver kind")
	ErrHostNotConfigured  = errors.New("host device is not configured")
	ErrHostNotEnabled     = errors.New("host hardware is not enabled")
)
