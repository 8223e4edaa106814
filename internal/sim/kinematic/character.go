package kinematic

import (
	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/movement"
)

type Params struct {
	Speed             float64 `yaml:"speed"`
	CrouchSpeedFactor float64 `yaml:"crouch_speed_factor"`
	JumpSpeed         float64 `yaml:"jump_speed"`
	Radius            float64 `yaml:"radius"`
}

func DefaultParams() Params {
	return Params{Speed: 5, CrouchSpeedFactor: 0.5, JumpSpeed: 6, Radius: 0.5}
}

// InputSource produces the live command for a command number. Number is
// filled in by the Character.
type InputSource interface {
	Sample(n uint32) Command
}

// Constant repeats the same intent every tick.
type Constant Command

func (c Constant) Sample(uint32) Command { return Command(c) }

// Script computes each command from its number.
type Script func(n uint32) Command

func (s Script) Sample(n uint32) Command { return s(n) }

// Character is the movement capability of one player-controlled body.
type Character struct {
	body   *Body
	world  *World
	params Params
	input  InputSource
	custom movement.Blob
}

var (
	_ movement.System[State, Command] = (*Character)(nil)
	_ movement.Pausable               = (*Character)(nil)
)

// NewCharacter adds a controlled body to w at spawn.
func NewCharacter(w *World, id string, spawn mgl64.Vec3, p Params, input InputSource) (*Character, error) {
	b := &Body{
		ID:         id,
		Position:   spawn,
		Rotation:   mgl64.QuatIdent(),
		Radius:     p.Radius,
		Controlled: true,
	}
	if err := w.AddBody(b); err != nil {
		return nil, err
	}
	w.Resolve(b)
	return &Character{body: b, world: w, params: p, input: input}, nil
}

func (c *Character) ID() string  { return c.body.ID }
func (c *Character) Body() *Body { return c.body }
func (c *Character) Remove()     { c.world.RemoveBody(c.body.ID) }

func (c *Character) SetInput(in InputSource) { c.input = in }

func (c *Character) GetCommand(n uint32) Command {
	var cmd Command
	if c.input != nil {
		cmd = c.input.Sample(n)
	}
	cmd.Number = n
	return cmd
}

// Tick applies cmd and integrates the body by tc.Delta, so several commands
// applied within one physics step each advance the character.
func (c *Character) Tick(cmd Command, tc movement.TickContext) {
	b := c.body
	move := mgl64.Vec2{mgl64.Clamp(cmd.Move[0], -1, 1), mgl64.Clamp(cmd.Move[1], -1, 1)}
	if l := move.Len(); l > 1 {
		move = move.Mul(1 / l)
	}

	prevLook := b.Look
	b.Look = cmd.Look
	b.Rotation = LookRotation(cmd.Look)
	if tc.Delta > 0 {
		b.AngularVelocity = cmd.Look.Sub(prevLook).Mul(1 / tc.Delta)
	}

	speed := c.params.Speed
	b.Crouching = cmd.Crouch
	if cmd.Crouch {
		speed *= c.params.CrouchSpeedFactor
	}
	yaw := mgl64.QuatRotate(cmd.Look[1], mgl64.Vec3{0, 1, 0})
	planar := yaw.Rotate(mgl64.Vec3{move[0], 0, move[1]}).Mul(speed)
	b.Velocity[0] = planar[0]
	b.Velocity[2] = planar[2]

	if cmd.Jump && !tc.Held && b.Grounded && !cmd.Crouch {
		b.Velocity[1] = c.params.JumpSpeed
		b.Grounded = false
	}
	if !cmd.Payload.Empty() {
		c.custom = cmd.Payload
	}
	c.world.Integrate(b, tc.Delta)
}

func (c *Character) GetCurrentState(last uint32, t float64) State {
	b := c.body
	return State{
		LastCommand:     last,
		Time:            t,
		Position:        b.Position,
		Velocity:        b.Velocity,
		Rotation:        b.Rotation,
		Look:            b.Look,
		AngularVelocity: b.AngularVelocity,
		Grounded:        b.Grounded,
		Crouching:       b.Crouching,
		Custom:          c.custom,
	}
}

func (c *Character) SetCurrentState(s State) {
	b := c.body
	b.Position = s.Position
	b.Velocity = s.Velocity
	b.Rotation = s.Rotation
	if b.Rotation == (mgl64.Quat{}) {
		b.Rotation = mgl64.QuatIdent()
	}
	b.Look = s.Look
	b.AngularVelocity = s.AngularVelocity
	b.Grounded = s.Grounded
	b.Crouching = s.Crouching
	c.custom = s.Custom
}

// Interpolate blends two snapshots for rendering remote characters. Flags and
// the custom payload switch at the midpoint.
func (c *Character) Interpolate(from, to State, delta float64) State {
	out := from
	if delta >= 0.5 {
		out = to
	}
	out.LastCommand = from.LastCommand
	out.Time = from.Time + (to.Time-from.Time)*delta
	out.Position = Lerp(from.Position, to.Position, delta)
	out.Velocity = Lerp(from.Velocity, to.Velocity, delta)
	out.Look = Lerp(from.Look, to.Look, delta)
	out.Rotation = Slerp(from.Rotation, to.Rotation, delta)
	return out
}

func (c *Character) SetPaused(paused bool) { c.body.Frozen = paused }

// Lerp linearly interpolates two vectors.
func Lerp(a, b mgl64.Vec3, t float64) mgl64.Vec3 {
	return a.Add(b.Sub(a).Mul(t))
}

// Slerp interpolates orientations, tolerating zero-value quaternions.
func Slerp(a, b mgl64.Quat, t float64) mgl64.Quat {
	if a == (mgl64.Quat{}) {
		a = mgl64.QuatIdent()
	}
	if b == (mgl64.Quat{}) {
		b = mgl64.QuatIdent()
	}
	return mgl64.QuatSlerp(a, b, t)
}
