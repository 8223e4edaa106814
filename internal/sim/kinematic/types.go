package kinematic

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/movement"
)

// Command is one tick of character input.
type Command struct {
	Number uint32 `json:"n" msgpack:"n"`
	// Move is the planar intent: X strafes right, Y walks forward. Each axis
	// is clamped to [-1, 1] when applied.
	Move mgl64.Vec2 `json:"move" msgpack:"move"`
	// Look holds pitch, yaw and roll in radians.
	Look    mgl64.Vec3    `json:"look" msgpack:"look"`
	Jump    bool          `json:"jump,omitempty" msgpack:"jump,omitempty"`
	Crouch  bool          `json:"crouch,omitempty" msgpack:"crouch,omitempty"`
	Payload movement.Blob `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

func (c Command) CommandNumber() uint32 { return c.Number }

// State is a restorable character snapshot.
type State struct {
	LastCommand     uint32        `json:"last_command" msgpack:"last_command"`
	Time            float64       `json:"time" msgpack:"time"`
	Position        mgl64.Vec3    `json:"position" msgpack:"position"`
	Velocity        mgl64.Vec3    `json:"velocity" msgpack:"velocity"`
	Rotation        mgl64.Quat    `json:"rotation" msgpack:"rotation"`
	Look            mgl64.Vec3    `json:"look" msgpack:"look"`
	AngularVelocity mgl64.Vec3    `json:"angular_velocity" msgpack:"angular_velocity"`
	Grounded        bool          `json:"grounded,omitempty" msgpack:"grounded,omitempty"`
	Crouching       bool          `json:"crouching,omitempty" msgpack:"crouching,omitempty"`
	Custom          movement.Blob `json:"custom,omitempty" msgpack:"custom,omitempty"`
}

func (s State) LastProcessedCommand() uint32 { return s.LastCommand }
func (s State) CaptureTime() float64         { return s.Time }

// flagPenalty is the divergence contributed by each mismatched boolean.
const flagPenalty = 1.0

// Divergence sums position and velocity distance, the rotation angle between
// both states and a fixed penalty per mismatched flag.
func (s State) Divergence(other State) float64 {
	d := s.Position.Sub(other.Position).Len()
	d += s.Velocity.Sub(other.Velocity).Len()
	d += rotationAngle(s.Rotation, other.Rotation)
	if s.Grounded != other.Grounded {
		d += flagPenalty
	}
	if s.Crouching != other.Crouching {
		d += flagPenalty
	}
	return d
}

// Diverged reports whether other differs from s by more than tolerance.
func (s State) Diverged(other State, tolerance float64) bool {
	return s.Divergence(other) > tolerance
}

func rotationAngle(a, b mgl64.Quat) float64 {
	if a == b {
		return 0
	}
	if a == (mgl64.Quat{}) || b == (mgl64.Quat{}) {
		return math.Pi
	}
	dot := math.Abs(a.Normalize().Dot(b.Normalize()))
	if dot >= 1 {
		return 0
	}
	return 2 * math.Acos(dot)
}

// LookRotation converts pitch/yaw/roll to an orientation. Yaw turns about +Y.
func LookRotation(look mgl64.Vec3) mgl64.Quat {
	return mgl64.AnglesToQuat(look[1], look[0], look[2], mgl64.YXZ)
}
