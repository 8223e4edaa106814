package ws

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"netplay.ai/internal/protocol"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tuning"
)

var quiet = log.New(io.Discard, "", 0)

func forward(uint32) kinematic.Command { return kinematic.Command{Move: mgl64.Vec2{0, 1}} }

type fixture struct {
	srv   *Server
	arena *arena.Arena
	url   string
}

func startServer(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.Logger = quiet
	cfg.ServerAuthoritative = true
	srv := NewServer(cfg)
	a, err := arena.New(arena.Config{
		ID:       "ws-test",
		IsServer: true,
		Tuning:   tuning.Defaults(),
		Inputs:   func(rec arena.SpawnRecord) kinematic.InputSource { return kinematic.Wander(rec.ID) },
		Logger:   quiet,
		Outbox:   srv,
	})
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	srv.Attach(a)
	if _, err := a.AddEntity(arena.SpawnRecord{ID: "npc", ServerAuthoritative: true, Spawn: [3]float64{3, 0, 0}}); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &fixture{srv: srv, arena: a, url: "ws" + strings.TrimPrefix(ts.URL, "http")}
}

// onTick evaluates fn on a's tick thread.
func onTick[T any](t *testing.T, a *arena.Arena, fn func() T) T {
	t.Helper()
	ch := make(chan T, 1)
	a.Post(func() { ch <- fn() })
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("tick thread did not run")
	}
	var zero T
	return zero
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func rawHello(t *testing.T, url string, hello protocol.HelloMsg) (*websocket.Conn, []byte) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hello.Type = protocol.TypeHello
	hello.ProtocolVersion = protocol.Version
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write HELLO: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return conn, msg
}

// readUntil returns the first JSON frame of type typ.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err == nil && base.Type == typ {
			return msg
		}
	}
}

func TestClient_PredictsAgainstServer(t *testing.T) {
	f := startServer(t, Config{PingInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := Dial(ctx, f.url, protocol.HelloMsg{ClientName: "t", Codec: protocol.CodecMsgpack}, quiet)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	w := c.Welcome()
	if w.ClientID != "c1" || w.EntityID != "p1" || w.Codec != protocol.CodecMsgpack || w.Params.FixedStepMs != 20 {
		t.Fatalf("welcome=%+v", w)
	}

	local, err := arena.New(arena.Config{
		ID:            "client",
		LocalClientID: w.ClientID,
		Tuning:        arena.ApplyParams(tuning.Defaults(), w.Params),
		Inputs:        func(arena.SpawnRecord) kinematic.InputSource { return kinematic.Script(forward) },
		Logger:        quiet,
		Outbox:        c,
	})
	if err != nil {
		t.Fatalf("client arena: %v", err)
	}
	go local.Run(ctx)
	go c.Serve(ctx, local)

	eventually(t, "client entities", func() bool {
		return onTick(t, local, func() bool {
			p, npc := local.Entity("p1"), local.Entity("npc")
			return p != nil && npc != nil && p.Role() == movement.RolePredictingClient && npc.Role() == movement.RoleObserver
		})
	})
	eventually(t, "server to consume commands", func() bool {
		return onTick(t, f.arena, func() bool {
			p := f.arena.Entity("p1")
			return p != nil && p.Mover.LastProcessed() >= 10
		})
	})

	hits, err := c.Probe(ctx, [3]float64{0, 0, 0}, 200)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !slices.Contains(hits, "npc") || slices.Contains(hits, "p1") {
		t.Fatalf("hits=%v", hits)
	}
}

func TestServer_RejectsUnsupportedCodec(t *testing.T) {
	f := startServer(t, Config{})
	conn, msg := rawHello(t, f.url, protocol.HelloMsg{ClientName: "t", Codec: "cbor"})
	defer conn.Close()
	var e protocol.ErrorMsg
	if err := json.Unmarshal(msg, &e); err != nil || e.Type != protocol.TypeError || e.Code != protocol.ErrUnsupportedCodec {
		t.Fatalf("got %s err=%v", msg, err)
	}
	if n := f.srv.Sessions(); n != 0 {
		t.Fatalf("sessions=%d", n)
	}
}

func TestServer_RejectsInputForForeignEntity(t *testing.T) {
	f := startServer(t, Config{})
	conn, msg := rawHello(t, f.url, protocol.HelloMsg{ClientName: "t"})
	defer conn.Close()
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		t.Fatalf("got %s err=%v", msg, err)
	}

	in := protocol.InputMsg{Type: protocol.TypeInput, EntityID: "npc", Commands: []protocol.Command{{N: 1}}}
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var e protocol.ErrorMsg
	if err := json.Unmarshal(readUntil(t, conn, protocol.TypeError), &e); err != nil || e.Code != protocol.ErrNotOwner {
		t.Fatalf("error=%+v err=%v", e, err)
	}
}

func TestServer_ResumeWithinGraceKeepsCharacter(t *testing.T) {
	f := startServer(t, Config{ReconnectGrace: time.Minute})
	conn, msg := rawHello(t, f.url, protocol.HelloMsg{ClientName: "t"})
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	conn.Close()
	eventually(t, "detach", func() bool { return f.srv.Sessions() == 0 })

	conn2, msg := rawHello(t, f.url, protocol.HelloMsg{ClientName: "t", ResumeClientID: w.ClientID})
	defer conn2.Close()
	var w2 protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w2); err != nil || w2.Type != protocol.TypeWelcome {
		t.Fatalf("got %s err=%v", msg, err)
	}
	if w2.ClientID != w.ClientID || w2.EntityID != w.EntityID {
		t.Fatalf("resumed as %s/%s, want %s/%s", w2.ClientID, w2.EntityID, w.ClientID, w.EntityID)
	}
}

func TestServer_DespawnsAfterGrace(t *testing.T) {
	f := startServer(t, Config{ReconnectGrace: 100 * time.Millisecond})
	conn, msg := rawHello(t, f.url, protocol.HelloMsg{ClientName: "t"})
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	if !onTick(t, f.arena, func() bool { return f.arena.Entity(w.EntityID) != nil }) {
		t.Fatalf("entity %s not spawned", w.EntityID)
	}
	conn.Close()
	eventually(t, "despawn", func() bool {
		return onTick(t, f.arena, func() bool { return f.arena.Entity(w.EntityID) == nil })
	})
}

func TestSendLatest_DropsOldest(t *testing.T) {
	ch := make(chan frame, 2)
	for i, typ := range []string{"a", "b", "c"} {
		dropped := sendLatest(ch, frame{typ: typ})
		if dropped != (i == 2) {
			t.Fatalf("push %s dropped=%v", typ, dropped)
		}
	}
	if a, b := <-ch, <-ch; a.typ != "b" || b.typ != "c" {
		t.Fatalf("queue=%s,%s", a.typ, b.typ)
	}
}

func TestServer_AdoptRestoredCharacters(t *testing.T) {
	srv := NewServer(Config{Logger: quiet, ServerAuthoritative: true, ReconnectGrace: time.Minute})
	a, err := arena.New(arena.Config{ID: "restored", IsServer: true, Tuning: tuning.Defaults(), Logger: quiet, Outbox: srv})
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	srv.Attach(a)
	if _, err := a.AddEntity(arena.SpawnRecord{ID: "p7", OwnerClientID: "c7", ServerAuthoritative: true}); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if n := srv.AdoptRestored(); n != 1 {
		t.Fatalf("adopted %d", n)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		ts.Close()
		cancel()
	}()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, msg := rawHello(t, url, protocol.HelloMsg{ClientName: "back", ResumeClientID: "c7"})
	defer conn.Close()
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.EntityID != "p7" {
		t.Fatalf("resume: %s err=%v", msg, err)
	}

	conn2, msg := rawHello(t, url, protocol.HelloMsg{ClientName: "new"})
	defer conn2.Close()
	var w2 protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w2); err != nil || w2.ClientID != "c8" || w2.EntityID != "p8" {
		t.Fatalf("fresh join: %s err=%v", msg, err)
	}
}
