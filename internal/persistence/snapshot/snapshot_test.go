package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tuning"
)

func sampleCheckpoint(tick uint64) CheckpointV1 {
	last := kinematic.Command{Number: 41, Move: mgl64.Vec2{0, 1}}
	return CheckpointV1{
		Header: Header{Version: Version, ArenaID: "a1", Tick: tick},
		Tuning: tuning.Defaults(),
		Entities: []EntityV1{{
			ID:            "p1",
			OwnerClientID: "c1",
			Spawn:         [3]float64{1, 0, 2},
			Movement: movement.Checkpoint[kinematic.State, kinematic.Command]{
				EntityID:      "p1",
				Role:          "forwarding_server",
				NextCommand:   1,
				LastProcessed: 41,
				HaveProcessed: true,
				LastApplied:   &last,
				Buffered:      []kinematic.Command{{Number: 42, Jump: true}, {Number: 43}},
				State: kinematic.State{
					LastCommand: 41,
					Time:        float64(tick) * 0.02,
					Position:    mgl64.Vec3{1, 0, 3.5},
					Rotation:    mgl64.QuatIdent(),
					Grounded:    true,
				},
			},
		}},
	}
}

func TestCheckpoint_WriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, 300)
	want := sampleCheckpoint(300)
	if err := WriteCheckpoint(path, want); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	got, err := ReadCheckpoint(path)
	if err != nil {
		t.Fatalf("ReadCheckpoint: %v", err)
	}
	if got.Header != want.Header || got.Tuning.FixedStepMs != want.Tuning.FixedStepMs {
		t.Fatalf("header=%+v tuning.fixed_step_ms=%d", got.Header, got.Tuning.FixedStepMs)
	}
	if len(got.Entities) != 1 {
		t.Fatalf("entities=%d", len(got.Entities))
	}
	e := got.Entities[0]
	mv := e.Movement
	if e.ID != "p1" || e.OwnerClientID != "c1" || e.Spawn != want.Entities[0].Spawn {
		t.Fatalf("entity=%+v", e)
	}
	if mv.LastProcessed != 41 || mv.LastApplied == nil || mv.LastApplied.Number != 41 {
		t.Fatalf("movement=%+v", mv)
	}
	if len(mv.Buffered) != 2 || mv.Buffered[0].Number != 42 || !mv.Buffered[0].Jump {
		t.Fatalf("buffered=%+v", mv.Buffered)
	}
	if mv.State.Position != (mgl64.Vec3{1, 0, 3.5}) || !mv.State.Grounded {
		t.Fatalf("state=%+v", mv.State)
	}
}

func TestReadHeader_DoesNotNeedBody(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, 60)
	if err := WriteCheckpoint(path, sampleCheckpoint(60)); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.Tick != 60 || h.ArenaID != "a1" || h.Version != Version {
		t.Fatalf("header=%+v", h)
	}
}

func TestReadCheckpoint_RejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(dir, 1)
	cp := sampleCheckpoint(1)
	cp.Header.Version = Version + 1
	if err := WriteCheckpoint(path, cp); err != nil {
		t.Fatalf("WriteCheckpoint: %v", err)
	}
	if _, err := ReadCheckpoint(path); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestLatest_PicksHighestTick(t *testing.T) {
	dir := t.TempDir()
	if got := Latest(dir); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
	for _, tick := range []uint64{90, 1200, 300} {
		if err := WriteCheckpoint(PathFor(dir, tick), sampleCheckpoint(tick)); err != nil {
			t.Fatalf("WriteCheckpoint: %v", err)
		}
	}
	// Names that do not parse as ticks are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes"+Ext), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, want := Latest(dir), PathFor(dir, 1200); got != want {
		t.Fatalf("Latest=%q want %q", got, want)
	}
}
