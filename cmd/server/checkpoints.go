package main

import (
	"context"
	"log"

	"netplay.ai/internal/observability"
	"netplay.ai/internal/persistence/archive"
	"netplay.ai/internal/persistence/mirror"
	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
)

// checkpointPolicy controls what happens to a checkpoint after it is written.
type checkpointPolicy struct {
	arenaDir string
	// archiveEvery copies checkpoints at multiples of this tick into
	// arenaDir/archives; 0 disables archiving.
	archiveEvery uint64
	// keep bounds the checkpoints left in the checkpoint dir; 0 keeps all.
	keep   int
	mirror *mirror.Mirror
}

// checkpointWriter exports checkpoints on the tick thread and writes them on
// its own goroutine. A checkpoint arriving while the previous two are still
// being written is dropped.
type checkpointWriter struct {
	dir     string
	ch      chan snapshot.CheckpointV1
	idx     runtimeIndex
	metrics *observability.SimCollector
	policy  checkpointPolicy
	log     *log.Logger
}

func newCheckpointWriter(dir string, idx runtimeIndex, metrics *observability.SimCollector, policy checkpointPolicy, logger *log.Logger) *checkpointWriter {
	return &checkpointWriter{
		dir:     dir,
		ch:      make(chan snapshot.CheckpointV1, 2),
		idx:     idx,
		metrics: metrics,
		policy:  policy,
		log:     logger,
	}
}

func (w *checkpointWriter) SubmitCheckpoint(a *arena.Arena, tick uint64) {
	cp := a.ExportCheckpoint()
	select {
	case w.ch <- cp:
	default:
		w.log.Printf("warn: checkpoint tick=%d dropped: writer busy", tick)
	}
}

func (w *checkpointWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cp := <-w.ch:
			w.write(cp)
		}
	}
}

func (w *checkpointWriter) write(cp snapshot.CheckpointV1) {
	path := snapshot.PathFor(w.dir, cp.Header.Tick)
	err := snapshot.WriteCheckpoint(path, cp)
	if w.metrics != nil {
		w.metrics.ObserveCheckpoint(err)
	}
	if err != nil {
		w.log.Printf("checkpoint write: %v", err)
		return
	}
	if w.idx != nil {
		w.idx.RecordCheckpoint(path, cp)
	}
	w.policy.mirror.Enqueue(path)

	archived, ok, err := archive.ArchiveMilestone(w.policy.arenaDir, path, cp, w.policy.archiveEvery)
	if err != nil {
		w.log.Printf("warn: archive checkpoint tick=%d: %v", cp.Header.Tick, err)
	} else if ok {
		w.log.Printf("archived checkpoint tick=%d path=%s", cp.Header.Tick, archived)
		w.policy.mirror.Enqueue(archived)
	}

	if _, err := archive.Prune(w.dir, w.policy.keep); err != nil {
		w.log.Printf("warn: prune checkpoints: %v", err)
	}
}
