// Package lagcomp rewinds entity bodies to what a given client perceived so
// interaction queries evaluated on the server are fair to that client.
package lagcomp

import (
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/history"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tick"
)

// PhysicalState is the rewindable part of a body.
type PhysicalState struct {
	Position mgl64.Vec3
	Velocity mgl64.Vec3
	Rotation mgl64.Quat
}

func Capture(b *kinematic.Body) PhysicalState {
	return PhysicalState{Position: b.Position, Velocity: b.Velocity, Rotation: b.Rotation}
}

func (s PhysicalState) apply(b *kinematic.Body) {
	b.Position = s.Position
	b.Velocity = s.Velocity
	b.Rotation = s.Rotation
}

func interpolate(a, b PhysicalState, t float64) PhysicalState {
	return PhysicalState{
		Position: kinematic.Lerp(a.Position, b.Position, t),
		Velocity: kinematic.Lerp(a.Velocity, b.Velocity, t),
		Rotation: kinematic.Slerp(a.Rotation, b.Rotation, t),
	}
}

type Config struct {
	// OwnerClientID is the client controlling the entity; its checks are not
	// latency adjusted.
	OwnerClientID string
	// HistorySeconds is the rewind window.
	HistorySeconds    float64
	FixedStep         float64
	RenderBufferDelay float64
	Logger            *log.Logger
}

// Adapter keeps a bounded physical-state history of one body.
type Adapter struct {
	cfg     Config
	body    *kinematic.Body
	mgr     *tick.Manager
	sub     tick.Subscription
	history *history.History[float64, PhysicalState]
}

func New(cfg Config, mgr *tick.Manager, body *kinematic.Body) *Adapter {
	if cfg.FixedStep <= 0 {
		cfg.FixedStep = mgr.FixedStep()
	}
	if cfg.HistorySeconds <= 0 {
		cfg.HistorySeconds = 1
	}
	size := int(math.Ceil(cfg.HistorySeconds / cfg.FixedStep))
	a := &Adapter{
		cfg:     cfg,
		body:    body,
		mgr:     mgr,
		history: history.New[float64, PhysicalState](size).Named(body.ID+"/lagcomp", cfg.Logger),
	}
	a.sub = mgr.Subscribe(tick.Hooks{
		CaptureSnapshot:      a.capture,
		SetSnapshot:          a.setSnapshot,
		LagCompensationCheck: a.check,
	})
	return a
}

func (a *Adapter) Close() { a.mgr.Unsubscribe(a.sub) }

func (a *Adapter) Len() int { return a.history.Len() }

func (a *Adapter) capture(t float64, replay bool) {
	s := Capture(a.body)
	if replay {
		a.history.Overwrite(t, s)
		return
	}
	a.history.Add(t, s)
}

func (a *Adapter) setSnapshot(t float64) {
	if s, ok := a.history.Get(t); ok {
		s.apply(a.body)
	}
}

// RewindTime is the instant clientID saw this entity at when it acted at time.
func (a *Adapter) RewindTime(clientID string, time, latency float64) float64 {
	if clientID == a.cfg.OwnerClientID {
		return time
	}
	return time - latency - a.cfg.RenderBufferDelay
}

func (a *Adapter) check(clientID string, time, latency float64) {
	at := a.RewindTime(clientID, time, latency)
	before, after, ok := a.history.GetAround(at)
	if !ok {
		if s, found := a.history.Get(at); found {
			s.apply(a.body)
		}
		return
	}
	frac := 0.0
	if span := after.Key - before.Key; span > 0 {
		frac = mgl64.Clamp((at-before.Key)/span, 0, 1)
	}
	interpolate(before.Value, after.Value, frac).apply(a.body)
}
