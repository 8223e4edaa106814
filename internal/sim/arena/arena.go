// Package arena composes the tick manager, the physics world and one
// movement orchestrator per character into a runnable simulation.
package arena

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/lagcomp"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tick"
	"netplay.ai/internal/sim/tuning"
)

// Outbox delivers an arena's outbound messages. Calls happen on the tick
// thread and must not block.
type Outbox = movement.Sender[kinematic.State, kinematic.Command]

// SpawnNotifier is implemented by outboxes that announce entity lifecycle to
// peers.
type SpawnNotifier interface {
	EntitySpawned(rec SpawnRecord, s kinematic.State)
	EntityDespawned(id string)
}

// TickLogger receives one journal entry per tick.
type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type CorrectionLogger interface {
	WriteCorrection(rec CorrectionRecord) error
}

// CheckpointSink accepts periodic checkpoints. It must not block.
type CheckpointSink interface {
	SubmitCheckpoint(a *Arena, tick uint64)
}

type Config struct {
	ID       string
	IsServer bool
	// LocalClientID is the client this peer represents; empty on servers, so
	// server-side characters without an owner are driven locally.
	LocalClientID string
	Tuning        tuning.Tuning

	// Inputs supplies the input source of every locally owned character.
	Inputs func(rec SpawnRecord) kinematic.InputSource

	Logger      *log.Logger
	TickMetrics tick.Metrics
	MoveMetrics movement.Metrics

	Outbox      Outbox
	TickLog     TickLogger
	Corrections CorrectionLogger
	Checkpoints CheckpointSink
}

type Entity struct {
	Record    SpawnRecord
	Character *kinematic.Character
	Mover     *movement.Orchestrator[kinematic.State, kinematic.Command]
	// Lag is only kept on servers.
	Lag *lagcomp.Adapter
}

func (e *Entity) Role() movement.Role { return e.Mover.Role() }

type Arena struct {
	cfg   Config
	log   *log.Logger
	mgr   *tick.Manager
	world *kinematic.World

	entities map[string]*Entity
	order    []string

	pending []Event
}

func New(cfg Config) (*Arena, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("arena %s: %w", cfg.ID, err)
	}
	t := cfg.Tuning
	world := kinematic.NewWorld(t.Gravity, t.Bounds)
	mgr := tick.NewManager(tick.Config{
		FixedStep:  t.FixedStep(),
		TickWindow: t.TickWindow(),
		Logger:     cfg.Logger,
		Metrics:    cfg.TickMetrics,
	}, world)
	return &Arena{
		cfg:      cfg,
		log:      cfg.Logger,
		mgr:      mgr,
		world:    world,
		entities: map[string]*Entity{},
	}, nil
}

func (a *Arena) ID() string               { return a.cfg.ID }
func (a *Arena) Manager() *tick.Manager   { return a.mgr }
func (a *Arena) World() *kinematic.World  { return a.world }
func (a *Arena) Tuning() tuning.Tuning    { return a.cfg.Tuning }
func (a *Arena) Tick() uint64             { return a.mgr.Tick() }
func (a *Arena) Entity(id string) *Entity { return a.entities[id] }
func (a *Arena) EntityIDs() []string      { return append([]string(nil), a.order...) }

// Post runs fn on the tick thread before the next step. Safe from any
// goroutine.
func (a *Arena) Post(fn func()) { a.mgr.Post(fn) }

// AddEntity spawns a character. Tick thread only.
func (a *Arena) AddEntity(rec SpawnRecord) (*Entity, error) {
	e, err := a.addEntity(rec)
	if err != nil {
		return nil, err
	}
	a.record(Event{Kind: EventSpawn, EntityID: rec.ID, Spawn: &rec})
	if n, ok := a.cfg.Outbox.(SpawnNotifier); ok {
		n.EntitySpawned(rec, e.Character.GetCurrentState(0, a.mgr.Time()))
	}
	return e, nil
}

func (a *Arena) addEntity(rec SpawnRecord) (*Entity, error) {
	if rec.ID == "" {
		return nil, fmt.Errorf("arena %s: entity without id", a.cfg.ID)
	}
	if _, ok := a.entities[rec.ID]; ok {
		return nil, fmt.Errorf("arena %s: duplicate entity %q", a.cfg.ID, rec.ID)
	}
	t := a.cfg.Tuning
	isOwner := rec.OwnerClientID == a.cfg.LocalClientID

	var input kinematic.InputSource
	if isOwner && a.cfg.Inputs != nil {
		input = a.cfg.Inputs(rec)
	}
	char, err := kinematic.NewCharacter(a.world, rec.ID, mgl64.Vec3(rec.Spawn), t.Character, input)
	if err != nil {
		return nil, err
	}

	e := &Entity{Record: rec, Character: char}
	e.Mover = movement.New[kinematic.State, kinematic.Command](movement.Config{
		EntityID:                   rec.ID,
		IsServer:                   a.cfg.IsServer,
		IsOwner:                    isOwner,
		ServerAuthoritative:        rec.ServerAuthoritative,
		FixedStep:                  t.FixedStep(),
		ClientSendInterval:         t.ClientSendInterval(),
		ServerSendInterval:         t.ServerSendInterval(),
		MaxServerCommandCatchup:    t.MaxServerCommandCatchup,
		MaxServerCommandPrediction: t.MaxServerCommandPrediction,
		ReconcileTolerance:         t.ReconciliationTolerance,
		InputResendCount:           t.InputResendCount,
		RenderBufferDelay:          t.RenderBufferDelay(),
		HistorySeconds:             t.HistorySeconds,
		Logger:                     a.log,
		Metrics:                    a.cfg.MoveMetrics,
		OnCorrection:               a.onCorrection,
	}, a.mgr, char, a.cfg.Outbox)
	if a.cfg.IsServer {
		e.Lag = lagcomp.New(lagcomp.Config{
			OwnerClientID:     rec.OwnerClientID,
			HistorySeconds:    t.LagCompensationHistory(),
			FixedStep:         t.FixedStep(),
			RenderBufferDelay: t.RenderBufferDelay(),
			Logger:            a.log,
		}, a.mgr, char.Body())
	}
	a.entities[rec.ID] = e
	a.order = append(a.order, rec.ID)
	a.world.SyncTransforms()
	return e, nil
}

// RemoveEntity despawns a character. Tick thread only.
func (a *Arena) RemoveEntity(id string) bool {
	if !a.removeEntity(id) {
		return false
	}
	a.record(Event{Kind: EventDespawn, EntityID: id})
	if n, ok := a.cfg.Outbox.(SpawnNotifier); ok {
		n.EntityDespawned(id)
	}
	return true
}

func (a *Arena) removeEntity(id string) bool {
	e, ok := a.entities[id]
	if !ok {
		return false
	}
	e.Mover.Close()
	if e.Lag != nil {
		e.Lag.Close()
	}
	e.Character.Remove()
	delete(a.entities, id)
	for i, v := range a.order {
		if v == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

// DespawnAfter removes id once the arena reaches now+ticks unless cancel
// reports true by then, e.g. because the owner reconnected.
func (a *Arena) DespawnAfter(id string, ticks uint64, cancel func() bool) {
	a.mgr.Schedule(a.mgr.Tick()+ticks, func() {
		if cancel != nil && cancel() {
			return
		}
		a.RemoveEntity(id)
	})
}

// DeliverInput queues received commands for entityID. Safe from any goroutine.
func (a *Arena) DeliverInput(entityID string, cmds []kinematic.Command) {
	a.mgr.Post(func() { a.ApplyEvent(Event{Kind: EventInput, EntityID: entityID, Commands: cmds}) })
}

// DeliverSnapshot queues a received snapshot for entityID. Safe from any
// goroutine.
func (a *Arena) DeliverSnapshot(entityID string, s kinematic.State) {
	a.mgr.Post(func() { a.ApplyEvent(Event{Kind: EventSnapshot, EntityID: entityID, State: &s}) })
}

// ApplyEvent performs one journaled event. Tick thread only.
func (a *Arena) ApplyEvent(ev Event) error {
	switch ev.Kind {
	case EventSpawn:
		if ev.Spawn == nil {
			return fmt.Errorf("spawn event without record")
		}
		_, err := a.AddEntity(*ev.Spawn)
		return err
	case EventDespawn:
		if !a.RemoveEntity(ev.EntityID) {
			return fmt.Errorf("despawn of unknown entity %q", ev.EntityID)
		}
		return nil
	case EventInput, EventSnapshot:
		e, ok := a.entities[ev.EntityID]
		if !ok {
			a.log.Printf("warn: arena %s: %s for unknown entity %q dropped", a.cfg.ID, ev.Kind, ev.EntityID)
			return fmt.Errorf("unknown entity %q", ev.EntityID)
		}
		a.record(ev)
		if ev.Kind == EventInput {
			e.Mover.ReceiveInput(ev.Commands)
		} else if ev.State != nil {
			e.Mover.ReceiveSnapshot(*ev.State)
		}
		return nil
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// Step advances one tick and journals it. Tick thread only.
func (a *Arena) Step() (uint64, string) {
	before := a.mgr.Tick()
	a.mgr.Step()
	now := a.mgr.Tick()
	if now == before {
		return now, ""
	}
	digest := a.Digest()
	entry := TickLogEntry{Tick: now, Time: a.mgr.Time(), Events: a.pending, Digest: digest}
	a.pending = nil
	if a.cfg.TickLog != nil {
		if err := a.cfg.TickLog.WriteTick(entry); err != nil {
			a.log.Printf("tick log: %v", err)
		}
	}
	if every := uint64(a.cfg.Tuning.CheckpointEveryTicks); a.cfg.Checkpoints != nil && every > 0 && now%every == 0 {
		a.cfg.Checkpoints.SubmitCheckpoint(a, now)
	}
	return now, digest
}

// Run steps the arena on a wall-clock ticker until ctx is done.
func (a *Arena) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Tuning.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Step()
		}
	}
}

func (a *Arena) record(ev Event) {
	a.pending = append(a.pending, ev)
}

func (a *Arena) onCorrection(c movement.Correction) {
	a.log.Printf("correction entity=%s t=%.3f cmd=%d err=%.4f resimulated=%v", c.EntityID, c.Time, c.Command, c.Error, c.Resimulated)
	if a.cfg.Corrections == nil {
		return
	}
	if err := a.cfg.Corrections.WriteCorrection(CorrectionRecord{Tick: a.mgr.Tick(), Correction: c}); err != nil {
		a.log.Printf("correction log: %v", err)
	}
}
