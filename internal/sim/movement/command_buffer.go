package movement

// serverTick drains the received command buffer for one live server tick.
// Normally one command is applied; when the backlog grows past twice the
// expected per-interval count, up to MaxServerCommandCatchup extra commands
// are applied in the same tick.
func (o *Orchestrator[S, I]) serverTick(tc TickContext) {
	o.dropStale()
	target := 2 * o.clientSendEvery
	n := 1
	if backlog := o.buffer.Len(); backlog > target {
		extra := min(backlog-target, o.cfg.MaxServerCommandCatchup)
		if extra > 0 {
			n += extra
			if o.cfg.Metrics != nil {
				o.cfg.Metrics.ObserveCatchup(o.cfg.EntityID, extra)
			}
		}
	}
	for i := 0; i < n; i++ {
		if !o.drainOne(tc, i == 0) {
			break
		}
	}
	o.observeBuffer()
}

// predictionCap is the number of consecutive synthesized commands allowed
// before a gap in the command stream is skipped.
func (o *Orchestrator[S, I]) predictionCap() int {
	return o.cfg.MaxServerCommandPrediction * o.serverSendEvery
}

func (o *Orchestrator[S, I]) dropStale() {
	if !o.haveProcessed {
		return
	}
	for {
		e, ok := o.buffer.Oldest()
		if !ok || e.Key > o.lastProcessed {
			return
		}
		o.buffer.Remove(e.Key)
		o.dropped("input_stale")
	}
}

// drainOne applies at most one command and reports whether it did.
func (o *Orchestrator[S, I]) drainOne(tc TickContext, first bool) bool {
	o.dropStale()
	e, ok := o.buffer.Oldest()
	if !ok {
		if first && o.haveApplied {
			if !o.starving {
				o.log.Printf("warn: %s: command buffer empty after %d, holding last command", o.cfg.EntityID, o.lastProcessed)
				o.starving = true
			}
			tc.Held = true
			o.sys.Tick(o.lastApplied, tc)
		}
		return false
	}
	o.starving = false

	if !o.haveProcessed || e.Key == o.lastProcessed+1 {
		o.apply(e.Key, e.Value, tc)
		return true
	}

	// Gap: e.Key > lastProcessed+1.
	if o.haveApplied && o.predictions < o.predictionCap() {
		o.predictions++
		o.lastProcessed++
		tc.Predicted = true
		o.sys.Tick(o.lastApplied, tc)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncPredictedCommand(o.cfg.EntityID)
		}
		return true
	}
	o.log.Printf("warn: %s: commands %d..%d missing, skipping to %d", o.cfg.EntityID, o.lastProcessed+1, e.Key-1, e.Key)
	o.dropped("command_gap_skipped")
	o.apply(e.Key, e.Value, tc)
	return true
}

func (o *Orchestrator[S, I]) apply(n uint32, cmd I, tc TickContext) {
	o.buffer.Remove(n)
	o.sys.Tick(cmd, tc)
	o.lastProcessed = n
	o.haveProcessed = true
	o.lastApplied = cmd
	o.haveApplied = true
	o.predictions = 0
}
