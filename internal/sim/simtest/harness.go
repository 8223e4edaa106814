// Package simtest connects a server arena and client arenas through an
// in-memory network with per-link delay and loss, stepping every peer in
// lockstep so multiplayer scenarios are reproducible.
package simtest

import (
	"io"
	"log"
	"math/rand/v2"
	"testing"

	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tuning"
)

// Link is one direction of a simulated connection.
type Link struct {
	// Delay is how many extra harness steps a message spends in flight; zero
	// delivers it at the start of the next step.
	Delay int
	// Loss is the probability a message is dropped.
	Loss float64
	Seed uint64
	// Tamper may rewrite a message before it is queued; returning false
	// drops it.
	Tamper func(m *Message) bool
}

// Message is a queued network message.
type Message struct {
	Kind     arena.EventKind
	EntityID string
	Commands []kinematic.Command
	State    *kinematic.State
	Spawn    *arena.SpawnRecord
}

type inflight struct {
	due uint64
	to  *arena.Arena
	msg Message
}

type link struct {
	cfg Link
	rng *rand.Rand
}

func newLink(cfg Link) *link {
	return &link{cfg: cfg, rng: rand.New(rand.NewPCG(cfg.Seed, 0x5eed))}
}

type Options struct {
	Tuning tuning.Tuning
	// ServerAuthoritative selects the authority model for joining clients.
	ServerAuthoritative bool
	Logger              *log.Logger
}

// Harness owns the server, its peers and the messages between them. It is
// single-threaded: every arena is stepped from the caller's goroutine.
type Harness struct {
	T      *testing.T
	Server *arena.Arena

	opts  Options
	peers []*Peer
	steps uint64
	queue []inflight

	Sent, Dropped int
}

// Peer is one connected client.
type Peer struct {
	ClientID string
	EntityID string
	Arena    *arena.Arena

	Corrections []arena.CorrectionRecord

	h    *Harness
	up   *link
	down *link
}

func New(t *testing.T, opts Options) *Harness {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Tuning.FixedStepMs == 0 {
		opts.Tuning = tuning.Defaults()
	}
	h := &Harness{T: t, opts: opts}
	srv, err := arena.New(arena.Config{
		ID:       "server",
		IsServer: true,
		Tuning:   opts.Tuning,
		Inputs:   func(rec arena.SpawnRecord) kinematic.InputSource { return kinematic.Wander(rec.ID) },
		Logger:   opts.Logger,
		Outbox:   &serverOutbox{h: h},
	})
	if err != nil {
		t.Fatalf("server arena: %v", err)
	}
	h.Server = srv
	return h
}

// AddNPC spawns a server-driven character.
func (h *Harness) AddNPC(id string, spawn [3]float64) {
	h.T.Helper()
	if _, err := h.Server.AddEntity(arena.SpawnRecord{ID: id, ServerAuthoritative: true, Spawn: spawn}); err != nil {
		h.T.Fatalf("AddNPC %s: %v", id, err)
	}
}

// Join connects a client whose character reads input from in. Entities
// already on the server appear on the client immediately, as they would in
// a WELCOME burst.
func (h *Harness) Join(clientID string, spawn [3]float64, in kinematic.InputSource, up, down Link) *Peer {
	h.T.Helper()
	p := &Peer{ClientID: clientID, EntityID: "p-" + clientID, h: h, up: newLink(up), down: newLink(down)}
	a, err := arena.New(arena.Config{
		ID:            clientID,
		LocalClientID: clientID,
		Tuning:        h.opts.Tuning,
		Inputs:        func(arena.SpawnRecord) kinematic.InputSource { return in },
		Logger:        h.opts.Logger,
		Outbox:        &clientOutbox{p: p},
		Corrections:   p,
	})
	if err != nil {
		h.T.Fatalf("client arena %s: %v", clientID, err)
	}
	p.Arena = a

	if _, err := h.Server.AddEntity(arena.SpawnRecord{
		ID:                  p.EntityID,
		OwnerClientID:       clientID,
		ServerAuthoritative: h.opts.ServerAuthoritative,
		Spawn:               spawn,
	}); err != nil {
		h.T.Fatalf("join %s: %v", clientID, err)
	}
	for _, id := range h.Server.EntityIDs() {
		rec := h.Server.Entity(id).Record
		if id != p.EntityID {
			pos := h.Server.Entity(id).Character.Body().Position
			rec.Spawn = [3]float64(pos)
		}
		if _, err := a.AddEntity(rec); err != nil {
			h.T.Fatalf("join %s: spawn %s: %v", clientID, id, err)
		}
	}
	h.peers = append(h.peers, p)
	return p
}

// Step delivers due messages, then advances the server and every client by
// one tick.
func (h *Harness) Step() {
	h.steps++
	h.deliver()
	h.Server.Step()
	for _, p := range h.peers {
		p.Arena.Step()
	}
}

func (h *Harness) StepN(n int) {
	for i := 0; i < n; i++ {
		h.Step()
	}
}

// Steps is the number of completed harness steps.
func (h *Harness) Steps() uint64 { return h.steps }

// InFlight is the number of queued messages.
func (h *Harness) InFlight() int { return len(h.queue) }

func (h *Harness) deliver() {
	var keep []inflight
	var due []inflight
	for _, f := range h.queue {
		if f.due <= h.steps {
			due = append(due, f)
		} else {
			keep = append(keep, f)
		}
	}
	h.queue = keep
	for _, f := range due {
		m := f.msg
		ev := arena.Event{Kind: m.Kind, EntityID: m.EntityID, Commands: m.Commands, State: m.State, Spawn: m.Spawn}
		if m.Kind == arena.EventSpawn && f.to.Entity(m.EntityID) != nil {
			continue
		}
		if m.Kind == arena.EventDespawn && f.to.Entity(m.EntityID) == nil {
			continue
		}
		if err := f.to.ApplyEvent(ev); err != nil {
			h.opts.Logger.Printf("simtest: deliver %s %s to %s: %v", m.Kind, m.EntityID, f.to.ID(), err)
		}
	}
}

func (h *Harness) send(l *link, to *arena.Arena, m Message) {
	h.Sent++
	if l.cfg.Loss > 0 && l.rng.Float64() < l.cfg.Loss {
		h.Dropped++
		return
	}
	if l.cfg.Tamper != nil && !l.cfg.Tamper(&m) {
		h.Dropped++
		return
	}
	// Queue order is send order, so equal due steps deliver FIFO.
	h.queue = append(h.queue, inflight{due: h.steps + 1 + uint64(l.cfg.Delay), to: to, msg: m})
}

func (p *Peer) WriteCorrection(rec arena.CorrectionRecord) error {
	p.Corrections = append(p.Corrections, rec)
	return nil
}

// Entity is the peer's own character in its local arena.
func (p *Peer) Entity() *arena.Entity { return p.Arena.Entity(p.EntityID) }

type serverOutbox struct{ h *Harness }

func (o *serverOutbox) SendInput(string, []kinematic.Command) {}

func (o *serverOutbox) SendSnapshot(entityID string, s kinematic.State) {
	for _, p := range o.h.peers {
		if p.EntityID == entityID && !o.h.opts.ServerAuthoritative {
			// Owner-authoritative characters are not echoed back.
			continue
		}
		st := s
		o.h.send(p.down, p.Arena, Message{Kind: arena.EventSnapshot, EntityID: entityID, State: &st})
	}
}

func (o *serverOutbox) EntitySpawned(rec arena.SpawnRecord, s kinematic.State) {
	rec.Spawn = [3]float64(s.Position)
	for _, p := range o.h.peers {
		r := rec
		o.h.send(p.down, p.Arena, Message{Kind: arena.EventSpawn, EntityID: rec.ID, Spawn: &r})
	}
}

func (o *serverOutbox) EntityDespawned(id string) {
	for _, p := range o.h.peers {
		o.h.send(p.down, p.Arena, Message{Kind: arena.EventDespawn, EntityID: id})
	}
}

type clientOutbox struct{ p *Peer }

func (o *clientOutbox) SendInput(entityID string, cmds []kinematic.Command) {
	o.p.h.send(o.p.up, o.p.h.Server, Message{Kind: arena.EventInput, EntityID: entityID, Commands: append([]kinematic.Command(nil), cmds...)})
}

func (o *clientOutbox) SendSnapshot(entityID string, s kinematic.State) {
	o.p.h.send(o.p.up, o.p.h.Server, Message{Kind: arena.EventSnapshot, EntityID: entityID, State: &s})
}
