package haptics

import (
	"github.com/zeusync/haptics/internal/core/sync/vars"
)

// SharedState is the only memory the control loop shares with consumers.
// Each slot has its own lock, held only to copy a value in or out.
type SharedState struct {
	// Pose is written by the control loop and read by any consumer.
	Pose *vars.Slot[DevicePose]
	// Sphere is written by consumers and read by the control loop.
	Sphere *vars.Slot[SphereGeometry]
}

func NewSharedState() *SharedState {
	return &SharedState{
		Pose:   vars.NewSlot(DevicePose{}),
		Sphere: vars.NewSlot(SphereGeometry{}),
	}
}
