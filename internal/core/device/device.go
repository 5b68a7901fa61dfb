// Package device owns the connection to a single force-feedback device.
//
// The vendor driver is modeled as an opaque capability set (Driver and Device).
// Handle wraps one opened Device and is owned by exactly one goroutine for its
// whole acquired lifetime, so it carries no locking of its own.
package device

import (
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

// Info describes an enumerated device.
type Info struct {
	Index        int    `json:"index"`
	ModelName    string `json:"model_name"`
	Manufacturer string `json:"manufacturer"`
	// MaxForce is the rated continuous force in newtons. Informational only:
	// commanded forces are not clamped to it.
	MaxForce float64 `json:"max_force"`
}

// Driver enumerates and opens devices.
type Driver interface {
	Enumerate() ([]Info, error)
	Open(index int) (Device, error)
}

// Device is an opened device.
//
// Position blocks until the driver has fresh data. The control loop relies on
// this for pacing and adds no sleeps of its own.
type Device interface {
	Info() Info
	Position() (physics.Vec3, error)
	LinearVelocity() (physics.Vec3, error)
	SetForce(force physics.Vec3) error
	Close() error
}
