package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable secondary index of the tick journal. Writes are
// queued and applied by one goroutine; when the queue is full they are
// dropped and counted, the JSONL journal staying the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick       atomic.Uint64
	dropCorrection atomic.Uint64
	dropCheckpoint atomic.Uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqCorrection
	reqCheckpoint
)

type req struct {
	kind reqKind

	tick       arena.TickLogEntry
	correction arena.CorrectionRecord
	checkpoint checkpointRow
}

type checkpointRow struct {
	Tick     uint64
	ArenaID  string
	Path     string
	Entities int
}

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	DropTickTotal       uint64
	DropCorrectionTotal uint64
	DropCheckpointTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Roughly three minutes of ticks at 50 Hz plus their corrections.
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tuning (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			time REAL NOT NULL,
			digest TEXT NOT NULL,
			spawns INTEGER NOT NULL,
			despawns INTEGER NOT NULL,
			inputs INTEGER NOT NULL,
			snapshots INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			commands INTEGER NOT NULL,
			first_command INTEGER,
			last_command INTEGER,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity_tick ON events(entity_id, tick);`,
		`CREATE TABLE IF NOT EXISTS corrections (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			entity_id TEXT NOT NULL,
			time REAL NOT NULL,
			command INTEGER NOT NULL,
			error REAL NOT NULL,
			resimulated INTEGER NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_corrections_entity_tick ON corrections(entity_id, tick);`,
		`CREATE VIEW IF NOT EXISTS resimulations AS
			SELECT tick, entity_id, time AS base_time, command, error FROM corrections WHERE resimulated=1;`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			tick INTEGER PRIMARY KEY,
			arena_id TEXT NOT NULL,
			path TEXT NOT NULL,
			entities INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropTickTotal:       s.dropTick.Load(),
		DropCorrectionTotal: s.dropCorrection.Load(),
		DropCheckpointTotal: s.dropCheckpoint.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry arena.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) WriteCorrection(rec arena.CorrectionRecord) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqCorrection, correction: rec}:
	default:
		s.dropCorrection.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordCheckpoint(path string, cp snapshot.CheckpointV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := checkpointRow{
		Tick:     cp.Header.Tick,
		ArenaID:  cp.Header.ArenaID,
		Path:     path,
		Entities: len(cp.Entities),
	}
	select {
	case s.ch <- req{kind: reqCheckpoint, checkpoint: r}:
	default:
		s.dropCheckpoint.Add(1)
	}
}

// UpsertTuning stores the effective tuning keyed by its digest, so ticks
// can be matched to the parameters they ran with.
func (s *SQLiteIndex) UpsertTuning(tune tuning.Tuning) (string, error) {
	if s == nil {
		return "", nil
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	digest := hex.EncodeToString(sum[:])
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('tuning_digest',?)`, digest); err != nil {
		return "", err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO tuning(digest,json,updated_at) VALUES(?,?,?)`, digest, string(b), now); err != nil {
		return "", err
	}
	return digest, tx.Commit()
}

func countEvents(e arena.TickLogEntry) (spawns, despawns, inputs, snapshots int) {
	for _, ev := range e.Events {
		switch ev.Kind {
		case arena.EventSpawn:
			spawns++
		case arena.EventDespawn:
			despawns++
		case arena.EventInput:
			inputs++
		case arena.EventSnapshot:
			snapshots++
		}
	}
	return
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,time,digest,spawns,despawns,inputs,snapshots,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(tick,seq,kind,entity_id,commands,first_command,last_command) VALUES(?,?,?,?,?,?,?)`)
	insertCorrection, _ := s.db.Prepare(`INSERT OR REPLACE INTO corrections(tick,seq,entity_id,time,command,error,resimulated) VALUES(?,?,?,?,?,?,?)`)
	insertCheckpoint, _ := s.db.Prepare(`INSERT OR REPLACE INTO checkpoints(tick,arena_id,path,entities) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertEvent, insertCorrection, insertCheckpoint} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		lastCorrectionTick uint64
		correctionSeq      int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			spawns, despawns, inputs, snapshots := countEvents(e)
			b, _ := json.Marshal(e)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(int64(e.Tick), e.Time, e.Digest, spawns, despawns, inputs, snapshots, string(b)); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			for i, ev := range e.Events {
				if insertEvent == nil {
					break
				}
				var first, last sql.NullInt64
				if n := len(ev.Commands); n > 0 {
					first = sql.NullInt64{Int64: int64(ev.Commands[0].Number), Valid: true}
					last = sql.NullInt64{Int64: int64(ev.Commands[n-1].Number), Valid: true}
				}
				if _, err := tx.Stmt(insertEvent).Exec(int64(e.Tick), i, string(ev.Kind), ev.EntityID, len(ev.Commands), first, last); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqCorrection:
			c := r.correction
			if c.Tick != lastCorrectionTick {
				lastCorrectionTick = c.Tick
				correctionSeq = 0
			}
			seq := correctionSeq
			correctionSeq++
			if insertCorrection != nil {
				if _, err := tx.Stmt(insertCorrection).Exec(int64(c.Tick), seq, c.EntityID, c.Time, int64(c.Command), c.Error, c.Resimulated); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqCheckpoint:
			cp := r.checkpoint
			if insertCheckpoint != nil {
				if _, err := tx.Stmt(insertCheckpoint).Exec(int64(cp.Tick), cp.ArenaID, cp.Path, cp.Entities); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
