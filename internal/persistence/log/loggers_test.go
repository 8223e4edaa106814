package log

import (
	"path/filepath"
	"testing"

	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
)

func TestTickLogger_SegmentsAndAppends(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir, 10)
	for tick := uint64(1); tick <= 25; tick++ {
		e := arena.TickLogEntry{Tick: tick, Digest: "d"}
		if tick == 3 {
			e.Events = []arena.Event{{Kind: arena.EventInput, EntityID: "p1", Commands: []kinematic.Command{{Number: 7}}}}
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("WriteTick: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening a segment appends a second zstd frame to it.
	l = NewTickLogger(dir, 10)
	if err := l.WriteTick(arena.TickLogEntry{Tick: 26}); err != nil {
		t.Fatalf("WriteTick: %v", err)
	}
	l.Close()

	files, err := SegmentFiles(filepath.Join(dir, "ticks"), "ticks")
	if err != nil {
		t.Fatalf("SegmentFiles: %v", err)
	}
	if len(files) != 3 || filepath.Base(files[0]) != "ticks-000000000000.jsonl.zst" || filepath.Base(files[2]) != "ticks-000000000020.jsonl.zst" {
		t.Fatalf("files=%v", files)
	}

	var ticks []uint64
	var cmd uint32
	for _, f := range files {
		err := ReadTicks(f, func(e arena.TickLogEntry) error {
			ticks = append(ticks, e.Tick)
			if len(e.Events) > 0 {
				cmd = e.Events[0].Commands[0].Number
			}
			return nil
		})
		if err != nil {
			t.Fatalf("ReadTicks: %v", err)
		}
	}
	if len(ticks) != 26 || ticks[0] != 1 || ticks[25] != 26 {
		t.Fatalf("ticks=%v", ticks)
	}
	for i := 1; i < len(ticks); i++ {
		if ticks[i] != ticks[i-1]+1 {
			t.Fatalf("out of order at %d: %v", i, ticks)
		}
	}
	if cmd != 7 {
		t.Fatalf("event payload lost: cmd=%d", cmd)
	}
}

func TestCorrectionLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewCorrectionLogger(dir, 100)
	rec := arena.CorrectionRecord{Tick: 42, Correction: movement.Correction{EntityID: "p1", Time: 0.84, Command: 40, Error: 0.3, Resimulated: true}}
	if err := l.WriteCorrection(rec); err != nil {
		t.Fatalf("WriteCorrection: %v", err)
	}
	l.Close()

	var got []arena.CorrectionRecord
	if err := ReadCorrections(SegmentPath(filepath.Join(dir, "corrections"), "corrections", 0), func(r arena.CorrectionRecord) error {
		got = append(got, r)
		return nil
	}); err != nil {
		t.Fatalf("ReadCorrections: %v", err)
	}
	if len(got) != 1 || got[0] != rec {
		t.Fatalf("got=%+v", got)
	}
}
