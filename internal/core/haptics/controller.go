package haptics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/haptics/internal/core/device"
	"github.com/zeusync/haptics/internal/core/events/bus"
	"github.com/zeusync/haptics/internal/core/observability/log"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

const (
	DefaultReadyTimeout      = 5 * time.Second
	DefaultReadyPollInterval = 10 * time.Millisecond
)

// Config holds controller configuration
type Config struct {
	// DeviceIndex selects the device among those the driver enumerates.
	DeviceIndex int                      `yaml:"device_index"`
	Contact     physics.ContactConstants `yaml:"contact"`

	ReadyTimeout      time.Duration `yaml:"ready_timeout"`
	ReadyPollInterval time.Duration `yaml:"ready_poll_interval"`
}

func DefaultConfig() Config {
	return Config{
		DeviceIndex:       0,
		Contact:           physics.DefaultContactConstants(),
		ReadyTimeout:      DefaultReadyTimeout,
		ReadyPollInterval: DefaultReadyPollInterval,
	}
}

// Controller owns the control loop of a single device.
//
// Start, Stop and WaitReady may be called from any goroutine. Only the loop
// goroutine touches the device.
type Controller struct {
	driver device.Driver
	shared *SharedState
	events bus.EventBus
	config Config
	logger log.Log

	// lifecycleMu serializes Start and Stop. The loop never takes it.
	lifecycleMu sync.Mutex
	done        chan struct{}
	// delivered is closed once every event of the last run reached the bus.
	delivered   <-chan struct{}

	running atomic.Bool
	ready   atomic.Bool
	state   atomic.Uint32
	// stopErr is why the last run ended on its own, nil after a requested stop.
	stopErr atomic.Pointer[error]

	runID       atomic.Pointer[string]
	iterations  atomic.Uint64
	readFaults  atomic.Uint64
	writeFaults atomic.Uint64
	dropped     atomic.Uint64
}

// NewController wires a controller to its driver and shared state. A nil
// shared state gets a fresh one; a nil event bus disables notifications.
func NewController(driver device.Driver, shared *SharedState, config Config, logger log.Log, events bus.EventBus) *Controller {
	if shared == nil {
		shared = NewSharedState()
	}
	if logger == nil {
		logger = log.Provide()
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = DefaultReadyTimeout
	}
	if config.ReadyPollInterval <= 0 {
		config.ReadyPollInterval = DefaultReadyPollInterval
	}

	c := &Controller{
		driver: driver,
		shared: shared,
		events: events,
		config: config,
		logger: logger.Named("haptics"),
	}

	shared.Sphere.OnChange(func(_, sphere SphereGeometry) {
		c.logger.Debug("Sphere updated",
			log.Float64s("center", sphere.Center.Slice()...),
			log.Float64("radius", sphere.Radius))
	})

	return c
}

// Start spawns the control loop. It returns immediately; the device is
// acquired on the loop goroutine, so use WaitReady to learn the outcome.
// Calling Start while a loop is running is a no-op that returns true.
func (c *Controller) Start() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.running.Load() {
		c.logger.Info("Haptics loop already running")
		return true
	}

	// a previous run may have ended on its own and not been joined yet
	if c.done != nil {
		<-c.done
		c.done = nil
	}

	runID := uuid.NewString()
	c.resetStats(runID)
	c.stopErr.Store(nil)
	c.ready.Store(false)
	c.running.Store(true)

	n := newNotifier(c.events, c.delivered, func() { c.dropped.Add(1) })
	c.delivered = n.done
	c.setState(n, runID, StateAcquiringDevice, nil)

	done := make(chan struct{})
	c.done = done
	go c.run(runID, n, done)

	c.logger.Info("Haptics loop starting",
		log.String("run_id", runID),
		log.Int("device_index", c.config.DeviceIndex))

	return true
}

// Stop requests the loop to exit and waits until the device has been
// commanded to zero force and closed. Safe to call when nothing runs, and
// from an event subscriber. The last state events of the run may still be in
// delivery when Stop returns.
func (c *Controller) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.running.Store(false)
	if c.done == nil {
		return
	}

	<-c.done
	c.done = nil
	c.ready.Store(false)

	c.logger.Info("Haptics loop joined", log.Uint64("iterations", c.iterations.Load()))
}

// WaitReady blocks until the device is ready, the loop stops, the timeout
// elapses or ctx is done. A timeout <= 0 uses the configured default.
//
// It returns nil once ready, ErrLoopStopped (wrapping the acquisition error
// when there is one) if the loop ended first, and ErrInitializationTimeout if
// the loop is still acquiring when time runs out.
func (c *Controller) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.ReadyTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		if c.ready.Load() {
			return nil
		}
		if !c.running.Load() {
			return c.stoppedError()
		}

		select {
		case <-ctx.Done():
			if c.ready.Load() {
				return nil
			}
			if !c.running.Load() {
				return c.stoppedError()
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrInitializationTimeout, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsReady reports whether the device is open and being serviced.
func (c *Controller) IsReady() bool {
	return c.ready.Load()
}

// IsRunning reports whether a loop is active or acquiring.
func (c *Controller) IsRunning() bool {
	return c.running.Load()
}

// State returns the current loop state.
func (c *Controller) State() LoopState {
	return LoopState(c.state.Load())
}

// DevicePosition returns the last published tip position.
func (c *Controller) DevicePosition() physics.Vec3 {
	return c.shared.Pose.Get().Position
}

// DevicePose returns the last published position and velocity.
func (c *Controller) DevicePose() DevicePose {
	return c.shared.Pose.Get()
}

// SetSphereProperties replaces the sphere the loop renders, taking effect on
// a following iteration. A radius <= 0 removes the sphere. Non-finite input
// is rejected and also removes the sphere, so the loop never sees it.
func (c *Controller) SetSphereProperties(center physics.Vec3, radius float64) {
	sphere := SphereGeometry{Center: center, Radius: radius}
	if !center.IsFinite() || math.IsNaN(radius) || math.IsInf(radius, 0) {
		c.logger.Warn("Rejected non-finite sphere",
			log.Float64s("center", center.Slice()...),
			log.Float64("radius", radius))
		sphere = SphereGeometry{}
	}
	c.shared.Sphere.Set(sphere)
}

// Sphere returns the sphere the loop currently renders.
func (c *Controller) Sphere() SphereGeometry {
	return c.shared.Sphere.Get()
}

// Shared returns the state shared with the loop goroutine.
func (c *Controller) Shared() *SharedState {
	return c.shared
}

// Err returns why the last run ended on its own, or nil.
func (c *Controller) Err() error {
	if p := c.stopErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Stats returns the counters of the current or last run.
func (c *Controller) Stats() Stats {
	var runID string
	if p := c.runID.Load(); p != nil {
		runID = *p
	}
	return Stats{
		RunID:         runID,
		Iterations:    c.iterations.Load(),
		ReadFaults:    c.readFaults.Load(),
		WriteFaults:   c.writeFaults.Load(),
		DroppedEvents: c.dropped.Load(),
	}
}

func (c *Controller) eventsDelivered() <-chan struct{} {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.delivered == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.delivered
}

func (c *Controller) resetStats(runID string) {
	c.runID.Store(&runID)
	c.iterations.Store(0)
	c.readFaults.Store(0)
	c.writeFaults.Store(0)
	c.dropped.Store(0)
}

func (c *Controller) stoppedError() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLoopStopped, err)
	}
	return ErrLoopStopped
}

func (c *Controller) setState(n *notifier, runID string, to LoopState, err error) {
	from := LoopState(c.state.Swap(uint32(to)))
	c.logger.Debug("Loop state changed",
		log.String("run_id", runID),
		log.String("from", from.String()),
		log.String("to", to.String()))
	n.sendWait(EventStateChanged, StateChange{RunID: runID, From: from, To: to, Err: err})
}
