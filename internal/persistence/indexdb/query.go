package indexdb

import (
	"database/sql"
	"errors"
)

type CheckpointRow struct {
	Tick     uint64 `json:"tick"`
	ArenaID  string `json:"arena_id"`
	Path     string `json:"path"`
	Entities int    `json:"entities"`
}

type TickRow struct {
	Tick      uint64  `json:"tick"`
	Time      float64 `json:"time"`
	Digest    string  `json:"digest"`
	Spawns    int     `json:"spawns"`
	Despawns  int     `json:"despawns"`
	Inputs    int     `json:"inputs"`
	Snapshots int     `json:"snapshots"`
}

type CorrectionRow struct {
	Tick        uint64  `json:"tick"`
	EntityID    string  `json:"entity_id"`
	Time        float64 `json:"time"`
	Command     uint32  `json:"command"`
	Error       float64 `json:"error"`
	Resimulated bool    `json:"resimulated"`
}

// LatestCheckpoint returns the newest indexed checkpoint; ok is false when
// none was recorded.
func LatestCheckpoint(db *sql.DB) (CheckpointRow, bool, error) {
	var r CheckpointRow
	err := db.QueryRow(`SELECT tick,arena_id,path,entities FROM checkpoints ORDER BY tick DESC LIMIT 1`).
		Scan(&r.Tick, &r.ArenaID, &r.Path, &r.Entities)
	if errors.Is(err, sql.ErrNoRows) {
		return r, false, nil
	}
	if err != nil {
		return r, false, err
	}
	return r, true, nil
}

func Checkpoints(db *sql.DB, limit int) ([]CheckpointRow, error) {
	rows, err := db.Query(`SELECT tick,arena_id,path,entities FROM checkpoints ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CheckpointRow
	for rows.Next() {
		var r CheckpointRow
		if err := rows.Scan(&r.Tick, &r.ArenaID, &r.Path, &r.Entities); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ticks lists indexed ticks in [from, to], ascending.
func Ticks(db *sql.DB, from, to uint64, limit int) ([]TickRow, error) {
	rows, err := db.Query(`SELECT tick,time,digest,spawns,despawns,inputs,snapshots FROM ticks WHERE tick>=? AND tick<=? ORDER BY tick LIMIT ?`, int64(from), int64(to), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		if err := rows.Scan(&r.Tick, &r.Time, &r.Digest, &r.Spawns, &r.Despawns, &r.Inputs, &r.Snapshots); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Corrections lists the newest corrections, optionally for one entity.
func Corrections(db *sql.DB, entityID string, limit int) ([]CorrectionRow, error) {
	q := `SELECT tick,entity_id,time,command,error,resimulated FROM corrections`
	args := []any{}
	if entityID != "" {
		q += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	q += ` ORDER BY tick DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CorrectionRow
	for rows.Next() {
		var r CorrectionRow
		if err := rows.Scan(&r.Tick, &r.EntityID, &r.Time, &r.Command, &r.Error, &r.Resimulated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type Summary struct {
	Ticks         int64  `json:"ticks"`
	LastTick      uint64 `json:"last_tick"`
	Corrections   int64  `json:"corrections"`
	Resimulations int64  `json:"resimulations"`
	Checkpoints   int64  `json:"checkpoints"`
	TuningDigest  string `json:"tuning_digest,omitempty"`
}

// Summarize counts the indexed rows.
func Summarize(db *sql.DB) (Summary, error) {
	var s Summary
	var last sql.NullInt64
	if err := db.QueryRow(`SELECT COUNT(*), MAX(tick) FROM ticks`).Scan(&s.Ticks, &last); err != nil {
		return s, err
	}
	s.LastTick = uint64(last.Int64)
	for _, c := range []struct {
		q   string
		dst *int64
	}{
		{`SELECT COUNT(*) FROM corrections`, &s.Corrections},
		{`SELECT COUNT(*) FROM resimulations`, &s.Resimulations},
		{`SELECT COUNT(*) FROM checkpoints`, &s.Checkpoints},
	} {
		if err := db.QueryRow(c.q).Scan(c.dst); err != nil {
			return s, err
		}
	}
	err := db.QueryRow(`SELECT value FROM meta WHERE key='tuning_digest'`).Scan(&s.TuningDigest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, err
	}
	return s, nil
}

type ResimulationRow struct {
	Tick     uint64  `json:"tick"`
	EntityID string  `json:"entity_id"`
	BaseTime float64 `json:"base_time"`
	Command  uint32  `json:"command"`
	Error    float64 `json:"error"`
}

// Resimulations lists the newest corrections that rewound and replayed.
func Resimulations(db *sql.DB, limit int) ([]ResimulationRow, error) {
	rows, err := db.Query(`SELECT tick,entity_id,base_time,command,error FROM resimulations ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResimulationRow
	for rows.Next() {
		var r ResimulationRow
		if err := rows.Scan(&r.Tick, &r.EntityID, &r.BaseTime, &r.Command, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
