package haptics

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/zeusync/haptics/internal/core/device"
	"github.com/zeusync/haptics/internal/core/observability/log"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

// run is the body of the loop goroutine. The device is acquired, serviced and
// released here and nowhere else. done is closed without waiting for event
// delivery, since a subscriber may be the one blocked in Stop.
func (c *Controller) run(runID string, n *notifier, done chan struct{}) {
	defer close(done)
	defer n.close()

	// vendor drivers expect every call for a device from one OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := c.logger.With(log.String("run_id", runID))

	handle, err := device.Acquire(c.driver, c.config.DeviceIndex)
	if err != nil {
		logger.Error("Failed to acquire haptic device",
			log.Int("device_index", c.config.DeviceIndex),
			log.Error(err))
		c.stopErr.Store(&err)
		c.running.Store(false)
		c.setState(n, runID, StateStopped, err)
		return
	}

	var loopErr error
	defer func() {
		if r := recover(); r != nil {
			loopErr = fmt.Errorf("haptics: control loop panic: %v", r)
			logger.Error("Control loop fault", log.Error(loopErr))
		}
		c.shutdown(logger, n, runID, handle, loopErr)
	}()

	info := handle.Info()
	c.setState(n, runID, StateReady, nil)
	c.ready.Store(true)
	logger.Info("Haptic device ready",
		log.String("model", info.ModelName),
		log.String("manufacturer", info.Manufacturer),
		log.Float64("max_force", info.MaxForce))
	if info.MaxForce > 0 {
		logger.Warn("Contact force is not limited to the device rating",
			log.Float64("max_force", info.MaxForce))
	}

	c.setState(n, runID, StateRunning, nil)
	loopErr = c.loop(logger, n, runID, handle)
}

// loop services the device until the running flag drops. The flag is read
// once per iteration; the blocking position read paces the loop.
func (c *Controller) loop(logger log.Log, n *notifier, runID string, handle *device.Handle) error {
	for c.running.Load() {
		if !handle.Valid() {
			return device.ErrReleased
		}
		c.step(logger, n, runID, handle)
	}
	return nil
}

// step is one read, publish, compute, write cycle.
func (c *Controller) step(logger log.Log, n *notifier, runID string, handle *device.Handle) {
	iteration := c.iterations.Add(1)

	pose, err := handle.ReadPose()
	if err != nil {
		c.readFaults.Add(1)
		logger.Warn("Failed to read device state",
			log.Uint64("iteration", iteration),
			log.Error(err))
		n.send(EventFault, Fault{RunID: runID, Kind: device.KindReadFault, Iteration: iteration, Err: err})

		// the pose is unknown, so command no force and keep the last published pose
		if err := handle.WriteForce(physics.Zero); err != nil {
			c.writeFault(logger, n, runID, iteration, err)
		}
		return
	}

	c.shared.Pose.Set(pose)

	force := physics.ContactForce(pose, c.shared.Sphere.Get(), c.config.Contact)
	if err := handle.WriteForce(force); err != nil {
		c.writeFault(logger, n, runID, iteration, err)
	}
}

func (c *Controller) writeFault(logger log.Log, n *notifier, runID string, iteration uint64, err error) {
	c.writeFaults.Add(1)
	logger.Warn("Failed to send force",
		log.Uint64("iteration", iteration),
		log.Error(err))
	n.send(EventFault, Fault{RunID: runID, Kind: device.KindWriteFault, Iteration: iteration, Err: err})
}

// shutdown runs on every exit path once the device was acquired.
func (c *Controller) shutdown(logger log.Log, n *notifier, runID string, handle *device.Handle, loopErr error) {
	c.ready.Store(false)
	c.setState(n, runID, StateStopping, nil)

	if err := handle.Release(); err != nil {
		logger.Warn("Haptic device release incomplete", log.Error(err))
		if errors.Is(err, device.ErrWriteFault) {
			c.writeFaults.Add(1)
		}
	} else {
		logger.Info("Haptic device released")
	}

	if loopErr != nil {
		c.stopErr.Store(&loopErr)
	}
	c.running.Store(false)
	c.setState(n, runID, StateStopped, loopErr)

	logger.Info("Haptics loop stopped",
		log.Uint64("iterations", c.iterations.Load()),
		log.Uint64("read_faults", c.readFaults.Load()),
		log.Uint64("write_faults", c.writeFaults.Load()))
}
