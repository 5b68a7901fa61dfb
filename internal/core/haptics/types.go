// Package haptics runs the force-feedback control loop.
//
// A Controller owns one device. Start spawns the loop goroutine, which acquires
// the device, then repeatedly reads the pose, publishes it, computes the contact
// force against the current sphere and writes the force back. Consumers read the
// pose and set the sphere through SharedState, never touching the device.
package haptics

import (
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

type (
	// DevicePose is position (m) and linear velocity (m/s) of the device tip.
	DevicePose = physics.Pose
	// SphereGeometry is the interactive object. Radius <= 0 means none.
	SphereGeometry = physics.Sphere
	// ForceSample is a force command in newtons.
	ForceSample = physics.Vec3
)

// LoopState is the lifecycle of the control loop.
//
//	Uninitialized -> AcquiringDevice -> Ready -> Running -> Stopping -> Stopped
//	AcquiringDevice -> Stopped (acquisition failed)
type LoopState uint32

const (
	StateUninitialized LoopState = iota
	StateAcquiringDevice
	StateReady
	StateRunning
	StateStopping
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateAcquiringDevice:
		return "acquiring_device"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats counts loop activity for the current or last run.
type Stats struct {
	RunID       string `json:"run_id"`
	Iterations  uint64 `json:"iterations"`
	ReadFaults  uint64 `json:"read_faults"`
	WriteFaults uint64 `json:"write_faults"`
	// DroppedEvents counts fault notifications dropped because consumers lagged.
	DroppedEvents uint64 `json:"dropped_events"`
}
