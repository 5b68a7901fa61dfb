package device

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zeusync/haptics/internal/core/systems/physics"
)

type fakeDevice struct {
	info      Info
	position  physics.Vec3
	velocity  physics.Vec3
	posErr    error
	velErr    error
	forceErr  error
	closeErr  error
	forces    []physics.Vec3
	closed    int
	callOrder []string
}

func (f *fakeDevice) Info() Info { return f.info }

func (f *fakeDevice) Position() (physics.Vec3, error) {
	f.callOrder = append(f.callOrder, "position")
	return f.position, f.posErr
}

func (f *fakeDevice) LinearVelocity() (physics.Vec3, error) {
	f.callOrder = append(f.callOrder, "velocity")
	return f.velocity, f.velErr
}

func (f *fakeDevice) SetForce(force physics.Vec3) error {
	f.callOrder = append(f.callOrder, "force")
	if f.forceErr != nil {
		return f.forceErr
	}
	f.forces = append(f.forces, force)
	return nil
}

func (f *fakeDevice) Close() error {
	f.callOrder = append(f.callOrder, "close")
	f.closed++
	return f.closeErr
}

type fakeDriver struct {
	infos   []Info
	enumErr error
	openErr error
	dev     *fakeDevice
}

func (d *fakeDriver) Enumerate() ([]Info, error) { return d.infos, d.enumErr }

func (d *fakeDriver) Open(int) (Device, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.dev, nil
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		infos: []Info{{Index: 0, ModelName: "fake"}},
		dev:   &fakeDevice{info: Info{ModelName: "fake"}},
	}
}

func TestAcquire(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		h, err := Acquire(newFakeDriver(), 0)
		require.NoError(t, err)
		require.True(t, h.Valid())
		require.Equal(t, "fake", h.Info().ModelName)
	})

	t.Run("Empty enumeration", func(t *testing.T) {
		d := newFakeDriver()
		d.infos = nil
		_, err := Acquire(d, 0)
		require.ErrorIs(t, err, ErrNoDeviceFound)
		require.True(t, IsFatal(err))
	})

	t.Run("Index out of range", func(t *testing.T) {
		_, err := Acquire(newFakeDriver(), 2)
		require.ErrorIs(t, err, ErrNoDeviceFound)

		var devErr *Error
		require.ErrorAs(t, err, &devErr)
		require.Equal(t, 2, devErr.Index)
		require.Equal(t, KindNoDeviceFound, devErr.Kind)
	})

	t.Run("Enumeration error", func(t *testing.T) {
		d := newFakeDriver()
		cause := errors.New("usb bus gone")
		d.enumErr = cause
		_, err := Acquire(d, 0)
		require.ErrorIs(t, err, ErrNoDeviceFound)
		require.ErrorIs(t, err, cause)
	})

	t.Run("Open failure", func(t *testing.T) {
		d := newFakeDriver()
		d.openErr = errors.New("permission denied")
		_, err := Acquire(d, 0)
		require.ErrorIs(t, err, ErrOpenFailed)
		require.NotErrorIs(t, err, ErrNoDeviceFound)
		require.True(t, IsFatal(err))
	})

	t.Run("Nil driver", func(t *testing.T) {
		_, err := Acquire(nil, 0)
		require.ErrorIs(t, err, ErrNoDeviceFound)
	})
}

func TestHandle_ReadPose(t *testing.T) {
	t.Run("Reads position then velocity", func(t *testing.T) {
		d := newFakeDriver()
		d.dev.position = physics.NewVec3(0.01, 0.02, 0.03)
		d.dev.velocity = physics.NewVec3(-1, 0, 1)
		h, err := Acquire(d, 0)
		require.NoError(t, err)

		pose, err := h.ReadPose()
		require.NoError(t, err)
		require.Equal(t, d.dev.position, pose.Position)
		require.Equal(t, d.dev.velocity, pose.Velocity)
		require.Equal(t, []string{"position", "velocity"}, d.dev.callOrder)
	})

	t.Run("Either query failing is a read fault", func(t *testing.T) {
		for _, tc := range []struct {
			name   string
			posErr error
			velErr error
		}{
			{"position", errors.New("timeout"), nil},
			{"velocity", nil, errors.New("timeout")},
		} {
			t.Run(tc.name, func(t *testing.T) {
				d := newFakeDriver()
				d.dev.posErr, d.dev.velErr = tc.posErr, tc.velErr
				h, err := Acquire(d, 0)
				require.NoError(t, err)

				_, err = h.ReadPose()
				require.ErrorIs(t, err, ErrReadFault)
				require.False(t, IsFatal(err))

				var devErr *Error
				require.ErrorAs(t, err, &devErr)
				require.True(t, devErr.IsTemporary())
				// the fault is per call, the handle stays usable
				require.True(t, h.Valid())
			})
		}
	})
}

func TestHandle_ReadPoseRejectsNonFinite(t *testing.T) {
	d := newFakeDriver()
	d.dev.velocity = physics.NewVec3(math.Inf(1), 0, 0)
	h, err := Acquire(d, 0)
	require.NoError(t, err)

	_, err = h.ReadPose()
	require.ErrorIs(t, err, ErrReadFault)
}

func TestHandle_WriteForce(t *testing.T) {
	d := newFakeDriver()
	h, err := Acquire(d, 0)
	require.NoError(t, err)

	require.NoError(t, h.WriteForce(physics.NewVec3(0.4, 0, 0)))
	require.Equal(t, []physics.Vec3{physics.NewVec3(0.4, 0, 0)}, d.dev.forces)

	d.dev.forceErr = errors.New("amplifier fault")
	err = h.WriteForce(physics.NewVec3(1, 1, 1))
	require.ErrorIs(t, err, ErrWriteFault)
	require.True(t, h.Valid())
}

func TestHandle_Release(t *testing.T) {
	t.Run("Zero force then close, once", func(t *testing.T) {
		d := newFakeDriver()
		h, err := Acquire(d, 0)
		require.NoError(t, err)
		require.NoError(t, h.WriteForce(physics.NewVec3(3, 0, 0)))

		require.NoError(t, h.Release())
		require.NoError(t, h.Release())

		require.False(t, h.Valid())
		require.Equal(t, 1, d.dev.closed)
		require.Equal(t, []string{"force", "force", "close"}, d.dev.callOrder)
		require.Equal(t, physics.Zero, d.dev.forces[len(d.dev.forces)-1])
	})

	t.Run("Close attempted when zero force fails", func(t *testing.T) {
		d := newFakeDriver()
		h, err := Acquire(d, 0)
		require.NoError(t, err)

		d.dev.forceErr = errors.New("amplifier fault")
		err = h.Release()
		require.ErrorIs(t, err, ErrWriteFault)
		require.Equal(t, 1, d.dev.closed)
	})

	t.Run("No device access after release", func(t *testing.T) {
		d := newFakeDriver()
		h, err := Acquire(d, 0)
		require.NoError(t, err)
		require.NoError(t, h.Release())
		calls := len(d.dev.callOrder)

		_, err = h.ReadPose()
		require.ErrorIs(t, err, ErrReleased)
		require.ErrorIs(t, h.WriteForce(physics.NewVec3(1, 0, 0)), ErrReleased)
		require.Len(t, d.dev.callOrder, calls)
	})

	t.Run("Nil handle", func(t *testing.T) {
		var h *Handle
		require.False(t, h.Valid())
		require.NoError(t, h.Release())
	})
}

func TestError_Format(t *testing.T) {
	err := newError(KindOpenFailed, 1, "open", errors.New("busy"))
	require.Equal(t, "failed to open haptic device (device 1, open): busy", err.Error())
	require.Equal(t, "open_failed", err.Kind.String())
}
