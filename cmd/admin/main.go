package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	persistlog "netplay.ai/internal/persistence/log"
	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "checkpoint":
			checkpointCmd(os.Args[2:])
			return
		case "checkpoint-now":
			checkpointNowCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	arenaID := fs.String("arena", "", "arena id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "arenas")
	if *arenaID != "" {
		base = filepath.Join(base, *arenaID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// checkpointCmd prints a checkpoint's header and per-entity bookkeeping.
func checkpointCmd(args []string) {
	fs := flag.NewFlagSet("checkpoint", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	arenaID := fs.String("arena", "", "arena id (used to find the latest checkpoint)")
	path := fs.String("path", "", "checkpoint path (optional; defaults to latest)")
	headerOnly := fs.Bool("header", false, "print only the header")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		if strings.TrimSpace(*arenaID) == "" {
			fmt.Fprintln(os.Stderr, "missing -arena or -path")
			os.Exit(2)
		}
		p = snapshot.Latest(filepath.Join(*dataDir, "arenas", *arenaID, "checkpoints"))
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no checkpoint found; provide -path or run the server until it writes one")
		os.Exit(2)
	}
	if err := describeCheckpoint(os.Stdout, p, *headerOnly); err != nil {
		fmt.Fprintln(os.Stderr, "checkpoint:", err)
		os.Exit(1)
	}
}

type checkpointEntity struct {
	ID            string     `json:"id"`
	OwnerClientID string     `json:"owner_client_id,omitempty"`
	Role          string     `json:"role"`
	LastProcessed uint32     `json:"last_processed"`
	NextCommand   uint32     `json:"next_command"`
	Buffered      int        `json:"buffered"`
	Position      [3]float64 `json:"position"`
}

func describeCheckpoint(w io.Writer, path string, headerOnly bool) error {
	if headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			return err
		}
		return printJSON(w, h)
	}
	cp, err := snapshot.ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := printJSON(w, cp.Header); err != nil {
		return err
	}
	for _, e := range cp.Entities {
		mv := e.Movement
		if err := printJSON(w, checkpointEntity{
			ID:            e.ID,
			OwnerClientID: e.OwnerClientID,
			Role:          mv.Role,
			LastProcessed: mv.LastProcessed,
			NextCommand:   mv.NextCommand,
			Buffered:      len(mv.Buffered),
			Position:      [3]float64(mv.State.Position),
		}); err != nil {
			return err
		}
	}
	return nil
}

// journalCmd prints journal lines in a tick range, straight from the
// segments rather than the index.
func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	arenaID := fs.String("arena", "", "arena id")
	dir := fs.String("dir", "", "arena or bot data dir (optional; overrides -data/-arena)")
	kind := fs.String("kind", "corrections", "journal: ticks|corrections")
	entity := fs.String("entity", "", "entity_id filter")
	sinceTick := fs.Uint64("since_tick", 0, "first tick (inclusive)")
	toTick := fs.Uint64("to_tick", 0, "last tick (inclusive, optional)")
	_ = fs.Parse(args)

	base := strings.TrimSpace(*dir)
	if base == "" {
		if strings.TrimSpace(*arenaID) == "" {
			fmt.Fprintln(os.Stderr, "missing -arena or -dir")
			os.Exit(2)
		}
		base = filepath.Join(*dataDir, "arenas", *arenaID)
	}
	f := journalFilter{entity: strings.TrimSpace(*entity), since: *sinceTick, to: *toTick}
	if err := dumpJournal(os.Stdout, base, *kind, f); err != nil {
		fmt.Fprintln(os.Stderr, "journal:", err)
		os.Exit(1)
	}
}

type journalFilter struct {
	entity    string
	since, to uint64
}

func (f journalFilter) tick(t uint64) (keep, stop bool) {
	if f.to != 0 && t > f.to {
		return false, true
	}
	return t >= f.since, false
}

var errJournalEnd = errors.New("end of range")

func dumpJournal(w io.Writer, base, kind string, f journalFilter) error {
	if kind != "ticks" && kind != "corrections" {
		return fmt.Errorf("unknown journal %q", kind)
	}
	files, err := persistlog.SegmentFiles(filepath.Join(base, kind), kind)
	if err != nil {
		return err
	}
	for _, path := range files {
		var err error
		switch kind {
		case "ticks":
			err = persistlog.ReadTicks(path, func(e arena.TickLogEntry) error {
				keep, stop := f.tick(e.Tick)
				if stop {
					return errJournalEnd
				}
				if !keep {
					return nil
				}
				if f.entity != "" {
					var evs []arena.Event
					for _, ev := range e.Events {
						if ev.EntityID == f.entity {
							evs = append(evs, ev)
						}
					}
					if len(evs) == 0 {
						return nil
					}
					e.Events = evs
				}
				return printJSON(w, e)
			})
		case "corrections":
			err = persistlog.ReadCorrections(path, func(r arena.CorrectionRecord) error {
				keep, stop := f.tick(r.Tick)
				if stop {
					return errJournalEnd
				}
				if !keep || (f.entity != "" && r.EntityID != f.entity) {
					return nil
				}
				return printJSON(w, r)
			})
		}
		if errors.Is(err, errJournalEnd) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}
