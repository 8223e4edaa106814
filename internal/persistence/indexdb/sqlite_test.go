package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
	"netplay.ai/internal/sim/tuning"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: arena.TickLogEntry{Tick: 1}}

	_ = s.WriteTick(arena.TickLogEntry{Tick: 2})
	_ = s.WriteCorrection(arena.CorrectionRecord{Tick: 2})
	s.RecordCheckpoint("/tmp/2.ckpt.zst", snapshot.CheckpointV1{})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropCorrectionTotal != 1 || st.DropCheckpointTotal != 1 {
		t.Fatalf("drops=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WritesAndQueries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arena.sqlite")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	digest, err := idx.UpsertTuning(tuning.Defaults())
	if err != nil || len(digest) != 64 {
		t.Fatalf("UpsertTuning digest=%q err=%v", digest, err)
	}

	spawn := arena.SpawnRecord{ID: "p1", OwnerClientID: "c1"}
	_ = idx.WriteTick(arena.TickLogEntry{Tick: 1, Time: 0.02, Digest: "aa", Events: []arena.Event{
		{Kind: arena.EventSpawn, EntityID: "p1", Spawn: &spawn},
		{Kind: arena.EventInput, EntityID: "p1", Commands: []kinematic.Command{{Number: 1}, {Number: 2}}},
	}})
	_ = idx.WriteTick(arena.TickLogEntry{Tick: 2, Time: 0.04, Digest: "bb"})
	_ = idx.WriteCorrection(arena.CorrectionRecord{Tick: 2, Correction: movement.Correction{EntityID: "p1", Time: 0.02, Command: 1, Error: 0.5, Resimulated: true}})
	_ = idx.WriteCorrection(arena.CorrectionRecord{Tick: 2, Correction: movement.Correction{EntityID: "p2", Time: 0.02, Command: 3, Error: 0.1}})
	idx.RecordCheckpoint("/data/2.ckpt.zst", snapshot.CheckpointV1{
		Header:   snapshot.Header{Version: snapshot.Version, ArenaID: "a1", Tick: 2},
		Entities: make([]snapshot.EntityV1, 2),
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ticks, err := Ticks(db, 0, 10, 10)
	if err != nil {
		t.Fatalf("Ticks: %v", err)
	}
	if len(ticks) != 2 || ticks[0].Digest != "aa" || ticks[0].Spawns != 1 || ticks[0].Inputs != 1 || ticks[1].Tick != 2 {
		t.Fatalf("ticks=%+v", ticks)
	}

	var first, last int64
	if err := db.QueryRow(`SELECT first_command,last_command FROM events WHERE tick=1 AND kind='input'`).Scan(&first, &last); err != nil {
		t.Fatalf("events: %v", err)
	}
	if first != 1 || last != 2 {
		t.Fatalf("input range=%d..%d", first, last)
	}

	cs, err := Corrections(db, "p1", 10)
	if err != nil {
		t.Fatalf("Corrections: %v", err)
	}
	if len(cs) != 1 || cs[0].Command != 1 || !cs[0].Resimulated {
		t.Fatalf("corrections=%+v", cs)
	}
	if all, _ := Corrections(db, "", 10); len(all) != 2 {
		t.Fatalf("all corrections=%+v", all)
	}

	resims, err := Resimulations(db, 10)
	if err != nil || len(resims) != 1 || resims[0].EntityID != "p1" || resims[0].BaseTime != 0.02 {
		t.Fatalf("resimulations=%+v err=%v", resims, err)
	}

	sum, err := Summarize(db)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Ticks != 2 || sum.LastTick != 2 || sum.Corrections != 2 || sum.Resimulations != 1 || sum.Checkpoints != 1 || sum.TuningDigest != digest {
		t.Fatalf("summary=%+v", sum)
	}

	cp, ok, err := LatestCheckpoint(db)
	if err != nil || !ok {
		t.Fatalf("LatestCheckpoint ok=%v err=%v", ok, err)
	}
	if cp.Tick != 2 || cp.ArenaID != "a1" || cp.Entities != 2 {
		t.Fatalf("checkpoint=%+v", cp)
	}

	var stored string
	if err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&stored); err != nil || stored != digest {
		t.Fatalf("tuning digest=%q err=%v", stored, err)
	}
}
