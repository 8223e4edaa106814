package arena

import (
	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/protocol"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tuning"
)

func CommandToWire(c kinematic.Command) protocol.Command {
	return protocol.Command{
		N:             c.Number,
		Move:          c.Move,
		Look:          c.Look,
		Jump:          c.Jump,
		Crouch:        c.Crouch,
		PayloadSchema: c.Payload.SchemaID,
		Payload:       c.Payload.Data,
	}
}

func CommandFromWire(c protocol.Command) kinematic.Command {
	return kinematic.Command{
		Number:  c.N,
		Move:    mgl64.Vec2(c.Move),
		Look:    mgl64.Vec3(c.Look),
		Jump:    c.Jump,
		Crouch:  c.Crouch,
		Payload: movement.Blob{SchemaID: c.PayloadSchema, Data: c.Payload},
	}
}

func CommandsToWire(cmds []kinematic.Command) []protocol.Command {
	out := make([]protocol.Command, len(cmds))
	for i, c := range cmds {
		out[i] = CommandToWire(c)
	}
	return out
}

func CommandsFromWire(cmds []protocol.Command) []kinematic.Command {
	out := make([]kinematic.Command, len(cmds))
	for i, c := range cmds {
		out[i] = CommandFromWire(c)
	}
	return out
}

func StateToWire(s kinematic.State) protocol.State {
	return protocol.State{
		LastCommand:  s.LastCommand,
		Time:         s.Time,
		Pos:          s.Position,
		Vel:          s.Velocity,
		Rot:          [4]float64{s.Rotation.W, s.Rotation.V[0], s.Rotation.V[1], s.Rotation.V[2]},
		Look:         s.Look,
		AngVel:       s.AngularVelocity,
		Grounded:     s.Grounded,
		Crouching:    s.Crouching,
		CustomSchema: s.Custom.SchemaID,
		Custom:       s.Custom.Data,
	}
}

func StateFromWire(s protocol.State) kinematic.State {
	return kinematic.State{
		LastCommand:     s.LastCommand,
		Time:            s.Time,
		Position:        mgl64.Vec3(s.Pos),
		Velocity:        mgl64.Vec3(s.Vel),
		Rotation:        mgl64.Quat{W: s.Rot[0], V: mgl64.Vec3{s.Rot[1], s.Rot[2], s.Rot[3]}},
		Look:            mgl64.Vec3(s.Look),
		AngularVelocity: mgl64.Vec3(s.AngVel),
		Grounded:        s.Grounded,
		Crouching:       s.Crouching,
		Custom:          movement.Blob{SchemaID: s.CustomSchema, Data: s.Custom},
	}
}

// ParamsFromTuning is what a server announces in WELCOME.
func ParamsFromTuning(t tuning.Tuning) protocol.SimParams {
	return protocol.SimParams{
		FixedStepMs:                t.FixedStepMs,
		ClientSendIntervalMs:       t.ClientSendIntervalMs,
		ServerSendIntervalMs:       t.ServerSendIntervalMs,
		RenderBufferDelayMs:        t.RenderBufferDelayMs,
		ReconciliationTolerance:    t.ReconciliationTolerance,
		InputResendCount:           t.InputResendCount,
		HistorySeconds:             t.HistorySeconds,
		MaxServerCommandPrediction: t.MaxServerCommandPrediction,
		MaxServerCommandCatchup:    t.MaxServerCommandCatchup,
		Gravity:                    t.Gravity,
		Floor:                      t.Bounds.Floor,
		HalfExtentX:                t.Bounds.HalfExtentX,
		HalfExtentZ:                t.Bounds.HalfExtentZ,
		Speed:                      t.Character.Speed,
		CrouchSpeedFactor:          t.Character.CrouchSpeedFactor,
		JumpSpeed:                  t.Character.JumpSpeed,
		Radius:                     t.Character.Radius,
	}
}

// ApplyParams overlays announced server parameters on a client's tuning so
// both sides step identical physics.
func ApplyParams(t tuning.Tuning, p protocol.SimParams) tuning.Tuning {
	t.FixedStepMs = p.FixedStepMs
	t.ClientSendIntervalMs = p.ClientSendIntervalMs
	t.ServerSendIntervalMs = p.ServerSendIntervalMs
	t.RenderBufferDelayMs = p.RenderBufferDelayMs
	t.ReconciliationTolerance = p.ReconciliationTolerance
	t.InputResendCount = p.InputResendCount
	t.HistorySeconds = p.HistorySeconds
	t.MaxServerCommandPrediction = p.MaxServerCommandPrediction
	t.MaxServerCommandCatchup = p.MaxServerCommandCatchup
	t.Gravity = p.Gravity
	t.Bounds = kinematic.Bounds{Floor: p.Floor, HalfExtentX: p.HalfExtentX, HalfExtentZ: p.HalfExtentZ}
	t.Character = kinematic.Params{
		Speed:             p.Speed,
		CrouchSpeedFactor: p.CrouchSpeedFactor,
		JumpSpeed:         p.JumpSpeed,
		Radius:            p.Radius,
	}
	return t
}
