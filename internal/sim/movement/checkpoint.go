package movement

// Checkpoint is the resumable bookkeeping of one orchestrator. Histories are
// not part of it: a restored entity starts with an empty rollback window.
type Checkpoint[S any, I any] struct {
	EntityID string `json:"entity_id"`
	Role     string `json:"role"`

	NextCommand   uint32 `json:"next_command"`
	LastSent      uint32 `json:"last_sent,omitempty"`
	LastAcked     uint32 `json:"last_acked,omitempty"`
	LastProcessed uint32 `json:"last_processed,omitempty"`
	HaveProcessed bool   `json:"have_processed,omitempty"`
	LastApplied   *I     `json:"last_applied,omitempty"`
	Predictions   int    `json:"predictions,omitempty"`
	SinceSend     int    `json:"since_send,omitempty"`
	Buffered      []I    `json:"buffered,omitempty"`

	State S `json:"state"`
}

// Export captures the orchestrator and its live entity state at time.
func (o *Orchestrator[S, I]) Export(time float64) Checkpoint[S, I] {
	cp := Checkpoint[S, I]{
		EntityID:      o.cfg.EntityID,
		Role:          o.role.String(),
		NextCommand:   o.nextCommand,
		LastSent:      o.lastSent,
		LastAcked:     o.lastAcked,
		LastProcessed: o.lastProcessed,
		HaveProcessed: o.haveProcessed,
		Predictions:   o.predictions,
		SinceSend:     o.sinceSend,
		State:         o.sys.GetCurrentState(o.currentCommand(), time),
	}
	if o.haveApplied {
		last := o.lastApplied
		cp.LastApplied = &last
	}
	for _, e := range o.buffer.All() {
		cp.Buffered = append(cp.Buffered, e.Value)
	}
	return cp
}

// Import restores a checkpoint taken by Export. It must run on the tick
// thread before the next step.
func (o *Orchestrator[S, I]) Import(cp Checkpoint[S, I]) {
	o.inputs.Clear()
	o.states.Clear()
	o.buffer.Clear()
	o.remote.Clear()

	o.nextCommand = max(cp.NextCommand, 1)
	o.lastSent = cp.LastSent
	o.lastAcked = cp.LastAcked
	o.lastProcessed = cp.LastProcessed
	o.haveProcessed = cp.HaveProcessed
	o.predictions = cp.Predictions
	o.sinceSend = cp.SinceSend
	o.behind = false
	o.starving = false
	o.haveApplied = cp.LastApplied != nil
	if cp.LastApplied != nil {
		o.lastApplied = *cp.LastApplied
	}
	for _, cmd := range cp.Buffered {
		o.buffer.Add(cmd.CommandNumber(), cmd)
	}
	o.tickCommand = cp.State.LastProcessedCommand()
	o.sys.SetCurrentState(cp.State)
	o.states.AddAuthoritative(cp.State.CaptureTime(), cp.State)
}
