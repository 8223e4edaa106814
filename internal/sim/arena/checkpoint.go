package arena

import (
	"fmt"

	"netplay.ai/internal/persistence/snapshot"
)

// ExportCheckpoint captures the arena at its current tick. Tick thread only.
func (a *Arena) ExportCheckpoint() snapshot.CheckpointV1 {
	now := a.mgr.Time()
	cp := snapshot.CheckpointV1{
		Header: snapshot.Header{Version: snapshot.Version, ArenaID: a.cfg.ID, Tick: a.mgr.Tick()},
		Tuning: a.cfg.Tuning,
	}
	for _, id := range a.order {
		e := a.entities[id]
		cp.Entities = append(cp.Entities, snapshot.EntityV1{
			ID:                  e.Record.ID,
			OwnerClientID:       e.Record.OwnerClientID,
			ServerAuthoritative: e.Record.ServerAuthoritative,
			Spawn:               e.Record.Spawn,
			Movement:            e.Mover.Export(now),
		})
	}
	return cp
}

// ImportCheckpoint replaces every entity with the checkpointed ones and moves
// the clock to the checkpoint tick. Nothing is journaled or announced.
func (a *Arena) ImportCheckpoint(cp snapshot.CheckpointV1) error {
	if cp.Header.Version != snapshot.Version {
		return fmt.Errorf("arena %s: checkpoint version %d", a.cfg.ID, cp.Header.Version)
	}
	for _, id := range append([]string(nil), a.order...) {
		a.removeEntity(id)
	}
	a.pending = nil
	a.mgr.Restore(cp.Header.Tick)
	for _, ent := range cp.Entities {
		e, err := a.addEntity(SpawnRecord{
			ID:                  ent.ID,
			OwnerClientID:       ent.OwnerClientID,
			ServerAuthoritative: ent.ServerAuthoritative,
			Spawn:               ent.Spawn,
		})
		if err != nil {
			return fmt.Errorf("arena %s: restore %s: %w", a.cfg.ID, ent.ID, err)
		}
		e.Mover.Import(ent.Movement)
	}
	a.world.SyncTransforms()
	return nil
}
