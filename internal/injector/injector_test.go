package injector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/haptics/internal/config"
	"github.com/zeusync/haptics/internal/core/systems/physics"
)

func TestInitializeApp(t *testing.T) {
	t.Run("Sim stack", func(t *testing.T) {
		cfg := config.Default()
		cfg.Log.Level = "silent"
		cfg.Simulator.Tick = 200 * time.Microsecond

		app, err := InitializeApp(cfg)
		require.NoError(t, err)
		require.NotNil(t, app.Controller)
		require.NotNil(t, app.Feed)
		require.Same(t, cfg, app.Config)

		defer app.Controller.Stop()
		require.True(t, app.Controller.Start())
		require.NoError(t, app.Controller.WaitReady(context.Background(), 2*time.Second))

		// the controller and the injected shared state are the same memory
		app.Controller.SetSphereProperties(physics.Zero, 0.05)
		require.Equal(t, 0.05, app.Shared.Sphere.Get().Radius)
	})

	t.Run("Unknown driver", func(t *testing.T) {
		cfg := config.Default()
		cfg.Log.Level = "silent"
		cfg.Device.Driver = "phantom"

		_, err := InitializeApp(cfg)
		require.ErrorIs(t, err, config.ErrUnknownDriver)
	})
}
