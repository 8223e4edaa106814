package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"netplay.ai/internal/persistence/indexdb"
)

const dbUsage = "usage: admin db [-data ./data] [-arena ARENA|-db PATH] [-limit N] stats|ticks|corrections|resimulations|checkpoints"

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	arenaID := fs.String("arena", "", "arena id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	entity := fs.String("entity", "", "entity_id filter (corrections)")
	fromTick := fs.Uint64("from_tick", 0, "first tick (ticks)")
	toTick := fs.Uint64("to_tick", 0, "last tick (ticks; default: latest)")
	_ = fs.Parse(args)

	q := "stats"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*arenaID) == "" {
			fmt.Fprintln(os.Stderr, "missing -arena or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "arenas", *arenaID, "index", "arena.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	err = runQuery(os.Stdout, db, q, queryOpts{limit: *limit, entity: strings.TrimSpace(*entity), from: *fromTick, to: *toTick})
	if errors.Is(err, errUnknownQuery) {
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, dbUsage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

type queryOpts struct {
	limit    int
	entity   string
	from, to uint64
}

var errUnknownQuery = errors.New("unknown query")

// runQuery prints one JSON line per row of query q.
func runQuery(w io.Writer, db *sql.DB, q string, o queryOpts) error {
	if o.limit <= 0 {
		o.limit = 20
	}
	switch q {
	case "stats":
		s, err := indexdb.Summarize(db)
		if err != nil {
			return err
		}
		return printJSON(w, s)

	case "ticks":
		to := o.to
		if to == 0 {
			s, err := indexdb.Summarize(db)
			if err != nil {
				return err
			}
			to = s.LastTick
		}
		rows, err := indexdb.Ticks(db, o.from, to, o.limit)
		if err != nil {
			return err
		}
		return printRows(w, rows)

	case "corrections":
		rows, err := indexdb.Corrections(db, o.entity, o.limit)
		if err != nil {
			return err
		}
		return printRows(w, rows)

	case "resimulations":
		rows, err := indexdb.Resimulations(db, o.limit)
		if err != nil {
			return err
		}
		return printRows(w, rows)

	case "checkpoints":
		rows, err := indexdb.Checkpoints(db, o.limit)
		if err != nil {
			return err
		}
		return printRows(w, rows)

	default:
		return errUnknownQuery
	}
}

func printRows[T any](w io.Writer, rows []T) error {
	for _, r := range rows {
		if err := printJSON(w, r); err != nil {
			return err
		}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
