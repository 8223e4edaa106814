package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"netplay.ai/internal/persistence/indexdb"
	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	arena.TickLogger
	arena.CorrectionLogger
	Close() error
	UpsertTuning(tune tuning.Tuning) (string, error)
	RecordCheckpoint(path string, cp snapshot.CheckpointV1)
}

func openRuntimeIndex(arenaDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("NETPLAY_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(arenaDir, "index", "arena.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported NETPLAY_INDEX_BACKEND: %s", backend)
	}
}

type multiTickLogger struct {
	a arena.TickLogger
	b arena.TickLogger
}

func (m multiTickLogger) WriteTick(entry arena.TickLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteTick(entry)
	}
	if m.b != nil {
		_ = m.b.WriteTick(entry)
	}
	return nil
}

type multiCorrectionLogger struct {
	a arena.CorrectionLogger
	b arena.CorrectionLogger
}

func (m multiCorrectionLogger) WriteCorrection(rec arena.CorrectionRecord) error {
	if m.a != nil {
		_ = m.a.WriteCorrection(rec)
	}
	if m.b != nil {
		_ = m.b.WriteCorrection(rec)
	}
	return nil
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
