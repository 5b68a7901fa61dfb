package physics

// Pose is the instantaneous state of the device end-effector.
type Pose struct {
	Position Vec3 `json:"position"`
	Velocity Vec3 `json:"velocity"`
}

// Sphere is the interactive object. A non-positive radius means no object.
type Sphere struct {
	Center Vec3    `json:"center" yaml:"center"`
	Radius float64 `json:"radius" yaml:"radius"`
}

// Present reports whether the sphere takes part in contact.
func (s Sphere) Present() bool { return s.Radius > 0 }

const (
	// DefaultStiffness is the wall spring constant in N/m.
	DefaultStiffness = 20.0
	// DefaultDamping is the wall damping constant in N*s/m.
	DefaultDamping = 0.5
	// Epsilon is the distance below which the contact normal is undefined.
	Epsilon = 1e-9
)

// FallbackNormal is used when the tip sits at the sphere center.
var FallbackNormal = Vec3{X: 0, Y: 0, Z: 1}

// ContactConstants parameterize the penalty law.
type ContactConstants struct {
	Stiffness float64 `yaml:"stiffness"`
	Damping   float64 `yaml:"damping"`
}

func DefaultContactConstants() ContactConstants {
	return ContactConstants{Stiffness: DefaultStiffness, Damping: DefaultDamping}
}

// ContactForce computes the penalty force the sphere surface applies to the tip.
//
// Inside the sphere the force is a spring along the outward normal, proportional to
// penetration depth, plus damping on the normal component of velocity only.
// On or outside the surface, or with no sphere, the force is zero.
// The magnitude is not clamped.
func ContactForce(pose Pose, sphere Sphere, k ContactConstants) Vec3 {
	if !sphere.Present() {
		return Zero
	}

	offset := pose.Position.Minus(sphere.Center)
	distance := offset.Length()
	if distance >= sphere.Radius {
		return Zero
	}

	penetration := sphere.Radius - distance

	normal := FallbackNormal
	if distance > Epsilon {
		normal = offset.Div(distance)
	}

	spring := normal.Times(k.Stiffness * penetration)
	damping := normal.Times(-k.Damping * pose.Velocity.Dot(normal))

	return spring.Plus(damping)
}

// Penetration returns how deep the point is inside the sphere, or 0 when outside.
func Penetration(p Vec3, sphere Sphere) float64 {
	if !sphere.Present() {
		return 0
	}
	d := Distance(sphere.Center, p)
	if d >= sphere.Radius {
		return 0
	}
	return sphere.Radius - d
}
