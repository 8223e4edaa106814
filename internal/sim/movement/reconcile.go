package movement

import "fmt"

// reconcile compares an authoritative snapshot against the predicted state
// for the same command and rolls the entity back when they diverge.
func (o *Orchestrator[S, I]) reconcile(snap S) error {
	cmd := snap.LastProcessedCommand()
	if cmd == 0 {
		// The server has not applied any of our commands yet.
		return nil
	}
	if cmd > o.lastAcked {
		o.lastAcked = cmd
	}

	oldest, ok := o.states.Oldest()
	if !ok {
		o.sys.SetCurrentState(snap)
		o.mgr.SyncTransforms()
		return nil
	}
	if oldest.Value.LastProcessedCommand() > cmd {
		if !o.behind {
			o.log.Printf("warn: %s: server confirmed command %d, older than oldest prediction %d; pausing input",
				o.cfg.EntityID, cmd, oldest.Value.LastProcessedCommand())
		}
		o.behind = true
		return nil
	}
	if o.behind {
		o.log.Printf("%s: resynchronized at command %d", o.cfg.EntityID, cmd)
		o.behind = false
	}

	entry, ok := o.states.Find(func(_ float64, s S) bool { return s.LastProcessedCommand() == cmd })
	if !ok {
		return nil
	}
	divergence := entry.Value.Divergence(snap)
	if divergence <= o.cfg.ReconcileTolerance {
		o.states.SetAuthoritative(entry.Key, true)
		return nil
	}

	o.sys.SetCurrentState(snap)
	o.mgr.SyncTransforms()
	corrected := o.sys.GetCurrentState(cmd, entry.Key)
	o.states.Overwrite(entry.Key, corrected)
	o.states.SetAuthoritative(entry.Key, true)

	c := Correction{EntityID: o.cfg.EntityID, Time: entry.Key, Command: cmd, Error: divergence}
	latest, _ := o.mgr.LatestTickTime()
	var err error
	if first, ok := o.mgr.OldestTickTime(); ok && entry.Key < first {
		// The ticks after entry are gone, so there is nothing to replay: keep
		// the snapshot as the live state and drop predictions built on the
		// stale one.
		o.log.Printf("warn: %s: command %d at %.6f predates the tick window (oldest %.6f); snapshot adopted without resimulation",
			o.cfg.EntityID, cmd, entry.Key, first)
		for _, stale := range o.states.GetAllAfter(entry.Key) {
			o.states.Remove(stale.Key)
		}
	} else if entry.Key < latest {
		o.requestor = true
		err = o.mgr.PerformResimulation(entry.Key)
		o.requestor = false
		c.Resimulated = err == nil
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.IncCorrection(o.cfg.EntityID)
	}
	if o.cfg.OnCorrection != nil {
		o.cfg.OnCorrection(c)
	}
	if err != nil {
		return fmt.Errorf("resimulate from %.6f: %w", entry.Key, err)
	}
	return nil
}
