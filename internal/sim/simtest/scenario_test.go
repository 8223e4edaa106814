package simtest

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tick"
	"netplay.ai/internal/sim/tuning"
)

var forward = kinematic.Script(func(uint32) kinematic.Command {
	return kinematic.Command{Move: mgl64.Vec2{0, 1}}
})

// everyTick sends inputs and snapshots on every tick so message timing is
// exact.
func everyTick() tuning.Tuning {
	t := tuning.Defaults()
	t.ClientSendIntervalMs = t.FixedStepMs
	t.ServerSendIntervalMs = t.FixedStepMs
	return t
}

func stateAt(t *testing.T, e *arena.Entity, cmd uint32) kinematic.State {
	t.Helper()
	got, ok := e.Mover.StateHistory().Find(func(_ float64, s kinematic.State) bool { return s.LastCommand == cmd })
	if !ok {
		t.Fatalf("%s: no state for command %d", e.Record.ID, cmd)
	}
	return got.Value
}

func TestEndToEnd_PerturbedSnapshotResimulatesLaterCommands(t *testing.T) {
	h := New(t, Options{Tuning: everyTick(), ServerAuthoritative: true})

	// Subscribed before any entity, so it runs ahead of the orchestrator's
	// capture: the server state for command 105 is shifted as if it had hit
	// something the client did not predict.
	perturbed := false
	h.Server.Manager().Subscribe(tickHooks(func(replay bool) {
		e := h.Server.Entity("p-c1")
		if replay || perturbed || e == nil || e.Mover.LastProcessed() != 105 {
			return
		}
		e.Character.Body().Position[0] += 1
		perturbed = true
	}))

	c := h.Join("c1", [3]float64{}, forward, Link{}, Link{Delay: 4})
	if role := c.Entity().Role(); role != movement.RolePredictingClient {
		t.Fatalf("client role=%s", role)
	}

	// Command 105 is processed on step 106; its snapshot lands before the
	// client's step 111, when it has predicted up to 110.
	h.StepN(110)
	if !perturbed {
		t.Fatalf("server never processed command 105")
	}
	if len(c.Corrections) != 0 {
		t.Fatalf("early corrections: %+v", c.Corrections)
	}
	if n := c.Entity().Mover.NextCommand(); n != 111 {
		t.Fatalf("client next command=%d", n)
	}

	h.Step()
	if len(c.Corrections) != 1 {
		t.Fatalf("corrections=%+v", c.Corrections)
	}
	corr := c.Corrections[0]
	if corr.Command != 105 || !corr.Resimulated || corr.Error < 0.99 {
		t.Fatalf("correction=%+v", corr)
	}

	client := c.Entity()
	server := h.Server.Entity("p-c1")
	if d := stateAt(t, client, 105).Position.Sub(stateAt(t, server, 105).Position).Len(); d > 1e-9 {
		t.Fatalf("corrected entry off by %v", d)
	}
	for cmd := uint32(106); cmd <= 110; cmd++ {
		if d := stateAt(t, client, cmd).Divergence(stateAt(t, server, cmd)); d > 1e-9 {
			t.Fatalf("command %d: resimulated state diverges from server by %v", cmd, d)
		}
	}

	// Snapshots for 106.. now agree with the corrected history.
	h.StepN(20)
	if len(c.Corrections) != 1 {
		t.Fatalf("extra corrections after resimulation: %+v", c.Corrections[1:])
	}
}

func TestEndToEnd_CleanLinkNeverCorrects(t *testing.T) {
	h := New(t, Options{ServerAuthoritative: true})
	c := h.Join("c1", [3]float64{}, forward, Link{Delay: 2}, Link{Delay: 3})
	h.StepN(150)

	if len(c.Corrections) != 0 {
		t.Fatalf("corrections=%+v", c.Corrections)
	}
	server := h.Server.Entity("p-c1")
	last := server.Mover.LastProcessed()
	if last < 100 {
		t.Fatalf("server processed only %d commands", last)
	}
	if d := stateAt(t, c.Entity(), last).Divergence(stateAt(t, server, last)); d > 1e-9 {
		t.Fatalf("command %d diverges by %v", last, d)
	}
	if pos := server.Character.Body().Position; pos[2] <= 0 {
		t.Fatalf("server character did not move: %v", pos)
	}
}

func TestLossyUplink_ServerKeepsUp(t *testing.T) {
	h := New(t, Options{ServerAuthoritative: true})
	c := h.Join("c1", [3]float64{}, forward, Link{Delay: 1, Loss: 0.3, Seed: 7}, Link{Delay: 1})
	h.StepN(300)

	if h.Dropped == 0 {
		t.Fatalf("no messages dropped")
	}
	next := c.Entity().Mover.NextCommand()
	last := h.Server.Entity("p-c1").Mover.LastProcessed()
	if last+20 < next {
		t.Fatalf("server at command %d, client at %d", last, next)
	}
	if c.Entity().Mover.Behind() {
		t.Fatalf("client paused")
	}
}

func TestObserver_TrailsAuthoritativeState(t *testing.T) {
	h := New(t, Options{ServerAuthoritative: true})
	c1 := h.Join("c1", [3]float64{}, forward, Link{Delay: 1}, Link{Delay: 1})
	c2 := h.Join("c2", [3]float64{4, 0, 0}, nil, Link{Delay: 1}, Link{Delay: 2})
	h.StepN(100)

	view := c2.Arena.Entity(c1.EntityID)
	if view == nil || view.Role() != movement.RoleObserver {
		t.Fatalf("c2 view of %s: %+v", c1.EntityID, view)
	}
	if c1.Arena.Entity(c2.EntityID) == nil {
		t.Fatalf("c1 never learned about %s", c2.EntityID)
	}
	seen := view.Character.Body().Position[2]
	actual := h.Server.Entity(c1.EntityID).Character.Body().Position[2]
	if seen <= 0.5 || seen >= actual {
		t.Fatalf("observer z=%v, server z=%v", seen, actual)
	}
}

func TestOwnerAuthoritative_ServerForwards(t *testing.T) {
	h := New(t, Options{})
	c1 := h.Join("c1", [3]float64{}, forward, Link{Delay: 1}, Link{Delay: 1})
	c2 := h.Join("c2", [3]float64{4, 0, 0}, nil, Link{Delay: 1}, Link{Delay: 1})
	h.StepN(80)

	if role := c1.Entity().Role(); role != movement.RoleAuthoritativeOwnerClient {
		t.Fatalf("owner role=%s", role)
	}
	relay := h.Server.Entity(c1.EntityID)
	if role := relay.Role(); role != movement.RoleForwardingServer {
		t.Fatalf("server role=%s", role)
	}
	owner := c1.Entity().Character.Body().Position[2]
	server := relay.Character.Body().Position[2]
	if server <= 0 || server > owner {
		t.Fatalf("server z=%v, owner z=%v", server, owner)
	}
	if c2.Arena.Entity(c1.EntityID).Role() != movement.RoleObserver {
		t.Fatalf("c2 does not observe %s", c1.EntityID)
	}
	if len(c1.Corrections) != 0 {
		t.Fatalf("owner was corrected: %+v", c1.Corrections)
	}
}

func TestSpawnAndDespawnReachClients(t *testing.T) {
	h := New(t, Options{ServerAuthoritative: true})
	c := h.Join("c1", [3]float64{}, forward, Link{}, Link{Delay: 2})
	h.StepN(5)

	h.AddNPC("npc", [3]float64{-3, 0, 0})
	h.StepN(4)
	npc := c.Arena.Entity("npc")
	if npc == nil || npc.Role() != movement.RoleObserver {
		t.Fatalf("npc on client: %+v", npc)
	}

	h.Server.RemoveEntity("npc")
	h.StepN(4)
	if c.Arena.Entity("npc") != nil {
		t.Fatalf("npc still on client")
	}
	if h.InFlight() > 2 {
		t.Fatalf("stale messages queued: %d", h.InFlight())
	}
}

func tickHooks(capture func(replay bool)) tick.Hooks {
	return tick.Hooks{CaptureSnapshot: func(_ float64, replay bool) { capture(replay) }}
}
