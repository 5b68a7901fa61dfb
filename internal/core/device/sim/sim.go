// Package sim is a simulated force-feedback driver.
//
// The virtual tip orbits a circle at a fixed rate. Position blocks on the
// driver clock the same way a vendor driver blocks on its servo tick.
package sim

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/haptics/internal/core/device"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

var (
	ErrClosed         = errors.New("sim: device closed")
	ErrAlreadyOpen    = errors.New("sim: device already open")
	ErrInvalidIndex   = errors.New("sim: invalid device index")
	ErrNoSimDevices   = errors.New("sim: no devices configured")
	ErrInvalidSimRate = errors.New("sim: tick rate must be positive")

	ErrInjectedOpen  = errors.New("sim: injected open fault")
	ErrInjectedRead  = errors.New("sim: injected read fault")
	ErrInjectedVel   = errors.New("sim: injected velocity fault")
	ErrInjectedWrite = errors.New("sim: injected write fault")
)

type Config struct {
	// Devices is how many devices Enumerate reports.
	Devices   int           `yaml:"devices"`
	ModelName string        `yaml:"model_name"`
	Tick      time.Duration `yaml:"tick"`
	// The tip orbits Center in the XY plane with OrbitRadius, one turn per OrbitPeriod.
	Center      physics.Vec3  `yaml:"center"`
	OrbitRadius float64       `yaml:"orbit_radius"`
	OrbitPeriod time.Duration `yaml:"orbit_period"`
	MaxForce    float64       `yaml:"max_force"`
}

func DefaultConfig() Config {
	return Config{
		Devices:     1,
		ModelName:   "sim-delta-3dof",
		Tick:        time.Millisecond,
		OrbitRadius: 0.04,
		OrbitPeriod: 4 * time.Second,
		MaxForce:    12,
	}
}

// Driver implements device.Driver.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	open   map[int]*Device
	last   *Device
	opened int

	failOpen   atomic.Bool
	failReads  atomic.Int64
	failVels   atomic.Int64
	failWrites atomic.Int64
}

var _ device.Driver = (*Driver)(nil)

func New(cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.ModelName == "" {
		cfg.ModelName = def.ModelName
	}
	if cfg.Tick == 0 {
		cfg.Tick = def.Tick
	}
	if cfg.OrbitPeriod == 0 {
		cfg.OrbitPeriod = def.OrbitPeriod
	}
	return &Driver{
		cfg:  cfg,
		open: make(map[int]*Device),
	}
}

func (d *Driver) Enumerate() ([]device.Info, error) {
	if d.cfg.Devices <= 0 {
		return nil, nil
	}
	infos := make([]device.Info, d.cfg.Devices)
	for i := range infos {
		infos[i] = d.info(i)
	}
	return infos, nil
}

func (d *Driver) Open(index int) (device.Device, error) {
	if d.failOpen.Load() {
		return nil, ErrInjectedOpen
	}
	if d.cfg.Devices <= 0 {
		return nil, ErrNoSimDevices
	}
	if index < 0 || index >= d.cfg.Devices {
		return nil, ErrInvalidIndex
	}
	if d.cfg.Tick < 0 {
		return nil, ErrInvalidSimRate
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.open[index]; busy {
		return nil, ErrAlreadyOpen
	}

	dev := &Device{
		driver: d,
		info:   d.info(index),
		index:  index,
		ticker: time.NewTicker(d.cfg.Tick),
		start:  time.Now(),
		done:   make(chan struct{}),
	}
	d.open[index] = dev
	d.last = dev
	d.opened++

	return dev, nil
}

// FailOpen makes subsequent Open calls fail.
func (d *Driver) FailOpen(fail bool) { d.failOpen.Store(fail) }

// FailReads makes the next n Position calls fail.
func (d *Driver) FailReads(n int64) { d.failReads.Store(n) }

// FailVelocityReads makes the next n LinearVelocity calls fail.
func (d *Driver) FailVelocityReads(n int64) { d.failVels.Store(n) }

// FailWrites makes the next n SetForce calls fail.
func (d *Driver) FailWrites(n int64) { d.failWrites.Store(n) }

// Opened returns how many times a device has been opened.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Device returns the currently open device at index, if any.
func (d *Driver) Device(index int) (*Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.open[index]
	return dev, ok
}

// LastOpened returns the most recently opened device, open or not.
func (d *Driver) LastOpened() *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Driver) info(index int) device.Info {
	return device.Info{
		Index:        index,
		ModelName:    d.cfg.ModelName,
		Manufacturer: "zeusync",
		MaxForce:     d.cfg.MaxForce,
	}
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	delete(d.open, index)
	d.mu.Unlock()
}

// consume decrements a fault budget and reports whether a fault is due.
func consume(budget *atomic.Int64) bool {
	for {
		n := budget.Load()
		if n <= 0 {
			return false
		}
		if budget.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Device implements device.Device.
type Device struct {
	driver *Driver
	info   device.Info
	index  int

	ticker *time.Ticker
	start  time.Time

	// sampledAt is the orbit time of the last Position read, in seconds.
	// Only the owning goroutine reads and writes it.
	sampledAt float64

	lastForce atomic.Pointer[physics.Vec3]
	forces    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

var _ device.Device = (*Device)(nil)

func (s *Device) Info() device.Info { return s.info }

// Position waits for the next driver tick and returns the orbit position.
func (s *Device) Position() (physics.Vec3, error) {
	if s.closed.Load() {
		return physics.Vec3{}, ErrClosed
	}
	select {
	case <-s.done:
		return physics.Vec3{}, ErrClosed
	case now := <-s.ticker.C:
		if consume(&s.driver.failReads) {
			return physics.Vec3{}, ErrInjectedRead
		}
		s.sampledAt = now.Sub(s.start).Seconds()
		return s.orbitPosition(s.sampledAt), nil
	}
}

// LinearVelocity is the analytic derivative of the orbit at the last sample.
func (s *Device) LinearVelocity() (physics.Vec3, error) {
	if s.closed.Load() {
		return physics.Vec3{}, ErrClosed
	}
	if consume(&s.driver.failVels) {
		return physics.Vec3{}, ErrInjectedVel
	}
	return s.orbitVelocity(s.sampledAt), nil
}

func (s *Device) SetForce(force physics.Vec3) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if consume(&s.driver.failWrites) {
		return ErrInjectedWrite
	}
	s.lastForce.Store(&force)
	s.forces.Add(1)
	return nil
}

func (s *Device) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
	s.driver.release(s.index)
	return nil
}

// LastForce returns the last commanded force.
func (s *Device) LastForce() physics.Vec3 {
	if f := s.lastForce.Load(); f != nil {
		return *f
	}
	return physics.Zero
}

// ForceCommands returns how many forces were accepted.
func (s *Device) ForceCommands() uint64 { return s.forces.Load() }

func (s *Device) Closed() bool { return s.closed.Load() }

func (s *Device) omega() float64 {
	return 2 * math.Pi / s.driver.cfg.OrbitPeriod.Seconds()
}

func (s *Device) orbitPosition(t float64) physics.Vec3 {
	r, w := s.driver.cfg.OrbitRadius, s.omega()
	return s.driver.cfg.Center.Plus(physics.NewVec3(r*math.Cos(w*t), r*math.Sin(w*t), 0))
}

func (s *Device) orbitVelocity(t float64) physics.Vec3 {
	r, w := s.driver.cfg.OrbitRadius, s.omega()
	return physics.NewVec3(-r*w*math.Sin(w*t), r*w*math.Cos(w*t), 0)
}
