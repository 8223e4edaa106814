package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"netplay.ai/internal/observerproto"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tuning"
)

var quiet = log.New(io.Discard, "", 0)

func newArena(t *testing.T) *arena.Arena {
	t.Helper()
	a, err := arena.New(arena.Config{
		ID:       "obs-test",
		IsServer: true,
		Tuning:   tuning.Defaults(),
		Inputs:   func(rec arena.SpawnRecord) kinematic.InputSource { return kinematic.Wander(rec.ID) },
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("arena.New: %v", err)
	}
	for _, rec := range []arena.SpawnRecord{
		{ID: "p1", OwnerClientID: "c1", ServerAuthoritative: true},
		{ID: "npc-1", ServerAuthoritative: true, Spawn: [3]float64{3, 0, 0}},
		{ID: "npc-2", ServerAuthoritative: true, Spawn: [3]float64{30, 0, 0}},
	} {
		if _, err := a.AddEntity(rec); err != nil {
			t.Fatalf("AddEntity %s: %v", rec.ID, err)
		}
	}
	return a
}

func ids(msg observerproto.TickMsg) []string {
	var out []string
	for _, e := range msg.Entities {
		out = append(out, e.ID)
	}
	return out
}

func TestBuildTick_JoinsLeavesAndFocus(t *testing.T) {
	a := newArena(t)

	msg, seen := BuildTick(a, observerproto.SubscribeMsg{}, nil)
	if got := ids(msg); !slices.Equal(got, []string{"p1", "npc-1", "npc-2"}) {
		t.Fatalf("entities=%v", got)
	}
	if !slices.Equal(msg.Joins, []string{"p1", "npc-1", "npc-2"}) || len(msg.Leaves) != 0 {
		t.Fatalf("joins=%v leaves=%v", msg.Joins, msg.Leaves)
	}
	if msg.Entities[0].OwnerClientID != "c1" || msg.Digest != a.Digest() {
		t.Fatalf("entity=%+v digest=%s", msg.Entities[0], msg.Digest)
	}

	a.RemoveEntity("npc-1")
	msg, seen = BuildTick(a, observerproto.SubscribeMsg{}, seen)
	if len(msg.Joins) != 0 || !slices.Equal(msg.Leaves, []string{"npc-1"}) {
		t.Fatalf("joins=%v leaves=%v", msg.Joins, msg.Leaves)
	}

	// Focusing drops npc-2 out of range; it is reported as a leave.
	msg, _ = BuildTick(a, observerproto.SubscribeMsg{FocusEntityID: "p1", Radius: 10}, seen)
	if got := ids(msg); !slices.Equal(got, []string{"p1"}) || !slices.Equal(msg.Leaves, []string{"npc-2"}) {
		t.Fatalf("focused entities=%v leaves=%v", got, msg.Leaves)
	}

	// An unknown focus shows everything.
	msg, _ = BuildTick(a, observerproto.SubscribeMsg{FocusEntityID: "ghost", Radius: 1}, nil)
	if len(msg.Entities) != 2 {
		t.Fatalf("unknown focus entities=%v", ids(msg))
	}
}

func TestNormalizeSubscribe_ClampsRate(t *testing.T) {
	sub := observerproto.SubscribeMsg{RateHz: 500, Radius: -3}
	normalizeSubscribe(&sub, 50)
	if sub.RateHz != 50 || sub.Radius != 0 {
		t.Fatalf("sub=%+v", sub)
	}
	sub = observerproto.SubscribeMsg{}
	normalizeSubscribe(&sub, 50)
	if sub.RateHz != 10 {
		t.Fatalf("default rate=%d", sub.RateHz)
	}
}

func TestServer_StreamsTicks(t *testing.T) {
	a := newArena(t)
	srv := NewServer(a, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc("/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})

	resp, err := http.Get(ts.URL + "/bootstrap")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	var boot observerproto.BootstrapResponse
	err = json.NewDecoder(resp.Body).Decode(&boot)
	resp.Body.Close()
	if err != nil || boot.ArenaID != "obs-test" || boot.TickRateHz != 1000/tuning.Defaults().FixedStepMs {
		t.Fatalf("bootstrap=%+v err=%v", boot, err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, RateHz: 20}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first, second observerproto.TickMsg
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != observerproto.TypeTick || len(first.Entities) != 3 || len(first.Joins) != 3 {
		t.Fatalf("first=%+v", first)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if second.Tick <= first.Tick || len(second.Joins) != 0 {
		t.Fatalf("second tick=%d joins=%v after %d", second.Tick, second.Joins, first.Tick)
	}
	if srv.Active() != 1 {
		t.Fatalf("active=%d", srv.Active())
	}
}

func TestServer_RejectsBadHandshake(t *testing.T) {
	a := newArena(t)
	srv := NewServer(a, quiet)
	ts := httptest.NewServer(srv.WSHandler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.WriteJSON(map[string]string{"type": "HELLO"})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}
