package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	persistlog "netplay.ai/internal/persistence/log"
	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tuning"
)

type options struct {
	checkpoint string
	ticksDir   string
	tuningPath string
	arenaID    string
	fromTick   uint64
	toTick     uint64
	verbose    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.checkpoint, "checkpoint", "", "path to .ckpt.zst (optional: without it the journal is replayed from tick 0)")
	flag.StringVar(&opts.ticksDir, "ticks", "", "dir containing ticks-*.jsonl.zst (optional)")
	flag.StringVar(&opts.tuningPath, "tuning", "", "tuning.yaml used when replaying without a checkpoint (default: built-in defaults)")
	flag.StringVar(&opts.arenaID, "arena", "arena_1", "arena id used when replaying without a checkpoint")
	flag.Uint64Var(&opts.fromTick, "from_tick", 0, "start verifying from tick (inclusive, optional)")
	flag.Uint64Var(&opts.toTick, "to_tick", 0, "stop at tick (inclusive, optional)")
	flag.BoolVar(&opts.verbose, "v", false, "log arena warnings")
	flag.Parse()

	if opts.checkpoint == "" && opts.ticksDir == "" {
		fmt.Fprintln(os.Stderr, "missing -checkpoint or -ticks")
		os.Exit(2)
	}
	res, err := run(opts, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if opts.ticksDir != "" {
		fmt.Printf("replay ok: checked=%d ticks (from tick=%d)\n", res.checked, res.startTick)
	}
}

type result struct {
	startTick uint64
	checked   uint64
	digest    string
}

func run(opts options, out io.Writer) (result, error) {
	var res result
	logger := log.New(io.Discard, "", 0)
	if opts.verbose {
		logger = log.New(os.Stderr, "[replay] ", log.LstdFlags|log.Lmicroseconds)
	}

	var cp *snapshot.CheckpointV1
	tune := tuning.Defaults()
	id := opts.arenaID
	if opts.checkpoint != "" {
		c, err := snapshot.ReadCheckpoint(opts.checkpoint)
		if err != nil {
			return res, fmt.Errorf("read checkpoint: %w", err)
		}
		cp = &c
		tune = c.Tuning
		id = c.Header.ArenaID
		fmt.Fprintf(out, "checkpoint v%d arena=%s tick=%d entities=%d fixed_step_ms=%d\n",
			c.Header.Version, c.Header.ArenaID, c.Header.Tick, len(c.Entities), c.Tuning.FixedStepMs)
	} else if opts.tuningPath != "" {
		t, err := tuning.Load(opts.tuningPath)
		if err != nil {
			return res, fmt.Errorf("load tuning: %w", err)
		}
		tune = t
	}
	if opts.ticksDir == "" {
		return res, nil
	}

	// Outbox and journals stay nil: replay only recomputes state.
	a, err := arena.New(arena.Config{
		ID:       id,
		IsServer: true,
		Tuning:   tune,
		Inputs: func(rec arena.SpawnRecord) kinematic.InputSource {
			return kinematic.Wander(rec.ID)
		},
		Logger: logger,
	})
	if err != nil {
		return res, err
	}
	if cp != nil {
		if err := a.ImportCheckpoint(*cp); err != nil {
			return res, fmt.Errorf("import checkpoint: %w", err)
		}
	}

	res.startTick = a.Tick()
	verifyFrom := opts.fromTick
	if verifyFrom == 0 {
		verifyFrom = res.startTick + 1
	}

	files, err := persistlog.SegmentFiles(opts.ticksDir, "ticks")
	if err != nil {
		return res, fmt.Errorf("list ticks: %w", err)
	}
	if len(files) == 0 {
		return res, fmt.Errorf("no tick segments found in %s", opts.ticksDir)
	}

	for _, path := range files {
		done, err := replayFile(a, path, verifyFrom, opts.toTick, &res.checked)
		if err != nil {
			return res, err
		}
		if done {
			break
		}
	}
	res.digest = a.Digest()
	return res, nil
}

// errStop ends a segment read once toTick has been passed.
var errStop = errors.New("stop")

func replayFile(a *arena.Arena, path string, verifyFrom, toTick uint64, checked *uint64) (bool, error) {
	startTick := a.Tick()
	err := persistlog.ReadTicks(path, func(entry arena.TickLogEntry) error {
		if entry.Tick <= startTick {
			return nil
		}
		if toTick != 0 && entry.Tick > toTick {
			return errStop
		}
		if want := a.Tick() + 1; entry.Tick != want {
			return fmt.Errorf("tick gap: want=%d got=%d (file=%s)", want, entry.Tick, filepath.Base(path))
		}
		for _, ev := range entry.Events {
			if err := a.ApplyEvent(ev); err != nil {
				return fmt.Errorf("tick %d: apply %s %s: %w", entry.Tick, ev.Kind, ev.EntityID, err)
			}
		}
		tick, gotDigest := a.Step()

		// Sanity check: Step should have advanced to the journaled tick.
		if tick != entry.Tick {
			return fmt.Errorf("internal tick mismatch: stepped=%d entry=%d (file=%s)", tick, entry.Tick, filepath.Base(path))
		}
		if tick >= verifyFrom {
			*checked++
			if gotDigest != entry.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s want=%s", tick, gotDigest, entry.Digest)
			}
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return true, nil
	}
	return false, err
}
