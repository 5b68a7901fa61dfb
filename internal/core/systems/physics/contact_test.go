package physics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tol = 1e-12

func requireVec(t *testing.T, want, got Vec3) {
	t.Helper()
	require.InDelta(t, want.X, got.X, tol, "x")
	require.InDelta(t, want.Y, got.Y, tol, "y")
	require.InDelta(t, want.Z, got.Z, tol, "z")
}

func TestContactForce_Scenarios(t *testing.T) {
	sphere := Sphere{Center: Zero, Radius: 0.05}
	k := ContactConstants{Stiffness: 20, Damping: 0.5}

	t.Run("Spring only inside sphere", func(t *testing.T) {
		pose := Pose{Position: NewVec3(0.03, 0, 0)}
		requireVec(t, NewVec3(0.4, 0, 0), ContactForce(pose, sphere, k))
	})

	t.Run("Damping opposes inward velocity", func(t *testing.T) {
		pose := Pose{Position: NewVec3(0.03, 0, 0), Velocity: NewVec3(-0.1, 0, 0)}
		requireVec(t, NewVec3(0.45, 0, 0), ContactForce(pose, sphere, k))
	})

	t.Run("Outside sphere is force free for any velocity", func(t *testing.T) {
		for _, v := range []Vec3{Zero, NewVec3(-0.1, 0, 0), NewVec3(3, -2, 7)} {
			pose := Pose{Position: NewVec3(0.06, 0, 0), Velocity: v}
			require.Equal(t, Zero, ContactForce(pose, sphere, k))
		}
	})
}

func TestContactForce_Boundary(t *testing.T) {
	k := DefaultContactConstants()

	t.Run("Distance equal to radius", func(t *testing.T) {
		sphere := Sphere{Center: NewVec3(0.25, 0, 0), Radius: 0.25}
		pose := Pose{Position: Zero, Velocity: NewVec3(1, 0, 0)}
		require.Equal(t, Zero, ContactForce(pose, sphere, k))
	})

	t.Run("No sphere", func(t *testing.T) {
		for _, r := range []float64{0, -1} {
			sphere := Sphere{Center: Zero, Radius: r}
			pose := Pose{Position: Zero, Velocity: NewVec3(0, 0, -1)}
			require.Equal(t, Zero, ContactForce(pose, sphere, k))
		}
	})

	t.Run("Center falls back to +z", func(t *testing.T) {
		sphere := Sphere{Center: NewVec3(0.1, 0.2, 0.3), Radius: 0.05}
		pose := Pose{Position: sphere.Center}
		f := ContactForce(pose, sphere, k)
		require.True(t, f.IsFinite())
		requireVec(t, NewVec3(0, 0, k.Stiffness*0.05), f)
	})

	t.Run("Center with velocity uses fallback normal for damping", func(t *testing.T) {
		sphere := Sphere{Center: Zero, Radius: 0.05}
		pose := Pose{Position: Zero, Velocity: NewVec3(5, 5, -0.2)}
		f := ContactForce(pose, sphere, k)
		require.True(t, f.IsFinite())
		requireVec(t, NewVec3(0, 0, k.Stiffness*0.05+k.Damping*0.2), f)
	})
}

func TestContactForce_SpringMonotonic(t *testing.T) {
	sphere := Sphere{Center: Zero, Radius: 0.05}
	k := DefaultContactConstants()

	prev := -1.0
	// walk the tip from the surface to the center
	for i := 0; i <= 1000; i++ {
		depth := sphere.Radius * float64(i) / 1000
		if depth >= sphere.Radius {
			depth = math.Nextafter(sphere.Radius, 0)
		}
		pose := Pose{Position: NewVec3(0, sphere.Radius-depth, 0)}
		mag := ContactForce(pose, sphere, k).Length()
		if mag < prev {
			t.Fatalf("force decreased at depth %g: %g < %g", depth, mag, prev)
		}
		prev = mag
	}
}

func TestContactForce_DampingNormalOnly(t *testing.T) {
	sphere := Sphere{Center: Zero, Radius: 0.05}
	k := DefaultContactConstants()
	pos := NewVec3(0, 0.03, 0)

	still := ContactForce(Pose{Position: pos}, sphere, k)

	t.Run("Tangential velocity adds nothing", func(t *testing.T) {
		for _, v := range []Vec3{NewVec3(1, 0, 0), NewVec3(0, 0, -4), NewVec3(2, 0, 2)} {
			requireVec(t, still, ContactForce(Pose{Position: pos, Velocity: v}, sphere, k))
		}
	})

	t.Run("Only the normal component matters", func(t *testing.T) {
		a := ContactForce(Pose{Position: pos, Velocity: NewVec3(0, 0.3, 0)}, sphere, k)
		b := ContactForce(Pose{Position: pos, Velocity: NewVec3(9, 0.3, -9)}, sphere, k)
		requireVec(t, a, b)
		assert.InDelta(t, still.Y-k.Damping*0.3, a.Y, tol)
	})
}

func TestContactForce_Deterministic(t *testing.T) {
	sphere := Sphere{Center: NewVec3(0.01, -0.02, 0.005), Radius: 0.04}
	pose := Pose{Position: NewVec3(0.013, -0.007, 0.011), Velocity: NewVec3(0.2, -0.05, 0.01)}
	k := DefaultContactConstants()

	first := ContactForce(pose, sphere, k)
	for i := 0; i < 100; i++ {
		require.Equal(t, first, ContactForce(pose, sphere, k))
	}
}

func TestPenetration(t *testing.T) {
	sphere := Sphere{Center: Zero, Radius: 0.05}
	assert.InDelta(t, 0.02, Penetration(NewVec3(0.03, 0, 0), sphere), tol)
	assert.Zero(t, Penetration(NewVec3(0.05, 0, 0), sphere))
	assert.Zero(t, Penetration(Zero, Sphere{}))
}

func TestVec3(t *testing.T) {
	a := NewVec3(3, 4, 0)
	assert.Equal(t, 5.0, a.Length())
	assert.Equal(t, NewVec3(0.6, 0.8, 0), a.Normalize())
	assert.Equal(t, Zero, Zero.Normalize())
	assert.Equal(t, 11.0, a.Dot(NewVec3(1, 2, 3)))
	assert.Equal(t, []float64{3, 4, 0}, a.Slice())
	assert.False(t, NewVec3(math.NaN(), 0, 0).IsFinite())
	assert.Equal(t, 5.0, Distance(Zero, a))
}

func BenchmarkContactForce(b *testing.B) {
	sphere := Sphere{Center: Zero, Radius: 0.05}
	pose := Pose{Position: NewVec3(0.01, 0.02, 0.01), Velocity: NewVec3(0.1, -0.1, 0)}
	k := DefaultContactConstants()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = ContactForce(pose, sphere, k)
	}
}
