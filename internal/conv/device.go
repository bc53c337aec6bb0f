package conv

import "github.com/born-ml/convdemo/internal/accel"

// Device is the accelerator a run executes on.
type Device struct {
	Ordinal int
	Props   accel.DeviceProps
}

// SelectDevice enumerates devices, rejects the sentinel "not a real GPU"
// capability and makes ordinal the current device. With no devices it makes
// no further runtime calls.
func SelectDevice(rt accel.Runtime, ordinal int) (Device, error) {
	count, err := rt.DeviceCount()
	if err != nil {
		return Device{}, check(ErrNoDevice, "DeviceCount", err)
	}
	if count == 0 {
		return Device{}, fail(ErrNoDevice, "DeviceCount", "")
	}
	if ordinal < 0 || ordinal >= count {
		return Device{}, fail(ErrInvalidDevice, "DeviceProperties", "device %d out of range [0, %d)", ordinal, count)
	}

	props, err := rt.DeviceProperties(ordinal)
	if err != nil {
		return Device{}, check(ErrInvalidDevice, "DeviceProperties", err)
	}
	if props.IsSentinel() {
		return Device{}, fail(ErrInvalidDevice, "DeviceProperties",
			"device %d (%s) reports capability %d.%d", ordinal, props.Name, props.Major, props.Minor)
	}

	if err := rt.SetDevice(ordinal); err != nil {
		return Device{}, check(ErrInvalidDevice, "SetDevice", err)
	}
	return Device{Ordinal: ordinal, Props: props}, nil
}
