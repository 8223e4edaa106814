package archive

import (
	"os"
	"path/filepath"
	"testing"

	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/tuning"
)

func TestArchiveMilestone_CopiesOnlyMultiples(t *testing.T) {
	arenaDir := filepath.Join(t.TempDir(), "arenas", "a1")
	src := snapshot.PathFor(filepath.Join(arenaDir, "checkpoints"), 600)
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir checkpoints: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	cp := snapshot.CheckpointV1{
		Header: snapshot.Header{Version: snapshot.Version, ArenaID: "a1", Tick: 600},
		Tuning: tuning.Defaults(),
	}

	if _, ok, err := ArchiveMilestone(arenaDir, src, cp, 0); ok || err != nil {
		t.Fatalf("every=0 archived=%v err=%v", ok, err)
	}
	if _, ok, err := ArchiveMilestone(arenaDir, src, cp, 400); ok || err != nil {
		t.Fatalf("non-multiple archived=%v err=%v", ok, err)
	}

	archivedPath, ok, err := ArchiveMilestone(arenaDir, src, cp, 300)
	if err != nil || !ok {
		t.Fatalf("archive: ok=%v err=%v", ok, err)
	}
	if filepath.Base(filepath.Dir(archivedPath)) != "tick_000000000600" {
		t.Fatalf("archived at %s", archivedPath)
	}
	got, err := os.ReadFile(archivedPath)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived content mismatch: got=%q want=%q", string(got), string(want))
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(archivedPath), "meta.json")); err != nil {
		t.Fatalf("expected meta.json to exist: %v", err)
	}
}

func TestPrune_KeepsNewest(t *testing.T) {
	dir := t.TempDir()
	for _, tick := range []uint64{100, 20, 300, 40} {
		if err := os.WriteFile(snapshot.PathFor(dir, tick), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep me"), 0o644); err != nil {
		t.Fatal(err)
	}

	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 2 || removed[0] != snapshot.PathFor(dir, 20) || removed[1] != snapshot.PathFor(dir, 40) {
		t.Fatalf("removed=%v", removed)
	}
	left := snapshot.List(dir)
	if len(left) != 2 || left[0].Tick != 100 || left[1].Tick != 300 {
		t.Fatalf("left=%v", left)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Fatalf("non-checkpoint removed: %v", err)
	}

	if removed, _ := Prune(dir, 0); removed != nil {
		t.Fatalf("keep=0 removed %v", removed)
	}
}
