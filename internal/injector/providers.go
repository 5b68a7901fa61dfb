package injector

import (
	"fmt"

	"github.com/google/wire"

	"github.com/zeusync/haptics/internal/config"
	"github.com/zeusync/haptics/internal/core/device"
	"github.com/zeusync/haptics/internal/core/device/sim"
	"github.com/zeusync/haptics/internal/core/events/bus"
	"github.com/zeusync/haptics/internal/core/haptics"
	"github.com/zeusync/haptics/internal/core/observability/log"
	"github.com/zeusync/haptics/internal/telemetry"
)

// App is the assembled hapticd process.
type App struct {
	Config     *config.Config
	Logger     *log.Logger
	Events     bus.EventBus
	Shared     *haptics.SharedState
	Driver     device.Driver
	Controller *haptics.Controller
	Feed       *telemetry.Feed
}

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideDriver,
	ProvideEventBus,
	ProvideControllerConfig,
	ProvideFeedOptions,
	haptics.NewSharedState,
	haptics.NewController,
	telemetry.NewFeed,
	wire.Bind(new(log.Log), new(*log.Logger)),
	wire.Bind(new(telemetry.Source), new(*haptics.Controller)),
	wire.Struct(new(App), "*"),
)

func ProvideLogger(cfg *config.Config) *log.Logger {
	opts := log.DefaultOptions()
	if cfg.Log.Encoding != "" {
		opts.Encoding = cfg.Log.Encoding
	}
	return log.NewWithOptions(log.ParseLevel(cfg.Log.Level), opts)
}

// ProvideDriver picks the device driver named in the config.
func ProvideDriver(cfg *config.Config) (device.Driver, error) {
	switch cfg.Device.Driver {
	case config.DriverSim:
		return sim.New(cfg.Simulator), nil
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownDriver, cfg.Device.Driver)
	}
}

func ProvideEventBus() bus.EventBus {
	return bus.New()
}

func ProvideControllerConfig(cfg *config.Config) haptics.Config {
	return cfg.Controller()
}

func ProvideFeedOptions(cfg *config.Config) telemetry.Options {
	return telemetry.Options{
		Interval: cfg.Telemetry.Interval,
		Scale:    cfg.Telemetry.Scale,
	}
}
