package device

import (
	"errors"
	"fmt"

	"github.com/zeusync/haptics/internal/core/systems/physics"
)

var errNonFinite = errors.New("non-finite sample")

// Handle is the acquired connection to one device.
// All methods must be called from the goroutine that acquired it.
type Handle struct {
	dev      Device
	info     Info
	index    int
	released bool
}

// Acquire enumerates the driver's devices and opens the one at index.
func Acquire(driver Driver, index int) (*Handle, error) {
	if driver == nil {
		return nil, newError(KindNoDeviceFound, index, "enumerate", errors.New("no driver"))
	}

	infos, err := driver.Enumerate()
	if err != nil {
		return nil, newError(KindNoDeviceFound, index, "enumerate", err)
	}
	if index < 0 || index >= len(infos) {
		return nil, newError(KindNoDeviceFound, index, "enumerate",
			fmt.Errorf("%d device(s) available", len(infos)))
	}

	dev, err := driver.Open(index)
	if err != nil {
		return nil, newError(KindOpenFailed, index, "open", err)
	}
	if dev == nil {
		return nil, newError(KindOpenFailed, index, "open", errors.New("driver returned no device"))
	}

	info := dev.Info()
	if info.ModelName == "" {
		info = infos[index]
	}

	return &Handle{dev: dev, info: info, index: index}, nil
}

func (h *Handle) Info() Info {
	return h.info
}

// Valid reports whether the handle still owns an open device.
func (h *Handle) Valid() bool {
	return h != nil && h.dev != nil && !h.released
}

// ReadPose queries position and then velocity. A failure of either query is a
// read fault for this call only.
func (h *Handle) ReadPose() (physics.Pose, error) {
	if !h.Valid() {
		return physics.Pose{}, ErrReleased
	}

	position, err := h.dev.Position()
	if err != nil {
		return physics.Pose{}, newError(KindReadFault, h.index, "position", err)
	}

	velocity, err := h.dev.LinearVelocity()
	if err != nil {
		return physics.Pose{}, newError(KindReadFault, h.index, "linear_velocity", err)
	}

	if !position.IsFinite() || !velocity.IsFinite() {
		return physics.Pose{}, newError(KindReadFault, h.index, "sample", errNonFinite)
	}

	return physics.Pose{Position: position, Velocity: velocity}, nil
}

func (h *Handle) WriteForce(force physics.Vec3) error {
	if !h.Valid() {
		return ErrReleased
	}
	if err := h.dev.SetForce(force); err != nil {
		return newError(KindWriteFault, h.index, "set_force", err)
	}
	return nil
}

// Release commands zero force and closes the device. The zero-force command is
// attempted regardless of earlier faults, and close is attempted even if it
// fails. Calling Release again is a no-op.
func (h *Handle) Release() error {
	if !h.Valid() {
		return nil
	}
	h.released = true

	var zeroErr, closeErr error
	if err := h.dev.SetForce(physics.Zero); err != nil {
		zeroErr = newError(KindWriteFault, h.index, "release_zero_force", err)
	}
	if err := h.dev.Close(); err != nil {
		closeErr = fmt.Errorf("close device %d: %w", h.index, err)
	}
	h.dev = nil

	return errors.Join(zeroErr, closeErr)
}
