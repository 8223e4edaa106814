package movement

// Command is one tick of user intent, numbered strictly increasing by the
// controlling peer.
type Command interface {
	CommandNumber() uint32
}

// State is a restorable snapshot of one entity.
type State[S any] interface {
	// LastProcessedCommand is the command whose application produced the state.
	LastProcessedCommand() uint32
	CaptureTime() float64
	// Divergence measures how far apart two states are; zero means identical.
	Divergence(other S) float64
}

// TickContext describes the tick a command is applied on.
type TickContext struct {
	Time   float64
	Delta  float64
	Replay bool
	// Held is set when no new command arrived and the last one is repeated to
	// hold intent. One-shot actions should not fire again.
	Held bool
	// Predicted is set when the server synthesized the command to bridge a
	// gap in the received command stream.
	Predicted bool
}

// System is the per entity-kind movement capability the orchestrator drives.
type System[S State[S], I Command] interface {
	// GetCommand samples live input as command number n.
	GetCommand(n uint32) I
	// Tick applies cmd to the live state.
	Tick(cmd I, tc TickContext)
	GetCurrentState(lastCommand uint32, time float64) S
	SetCurrentState(s S)
	Interpolate(from, to S, delta float64) S
}

// Pausable systems are frozen while a resimulation they do not take part in
// is unwinding, and permanently when they are driven by remote snapshots.
type Pausable interface {
	SetPaused(paused bool)
}

// Sender delivers outbound messages to the remote peer(s). Implementations
// must not block the tick thread.
type Sender[S any, I any] interface {
	SendInput(entityID string, cmds []I)
	SendSnapshot(entityID string, s S)
}

// Blob is an application-defined payload carried through the core without
// interpretation.
type Blob struct {
	SchemaID uint16 `json:"schema_id,omitempty" msgpack:"schema_id,omitempty"`
	Data     []byte `json:"data,omitempty" msgpack:"data,omitempty"`
}

func (b Blob) Empty() bool { return b.SchemaID == 0 && len(b.Data) == 0 }

// Correction reports a divergent prediction that was replaced by the
// authoritative state.
type Correction struct {
	EntityID    string  `json:"entity_id"`
	Time        float64 `json:"time"`
	Command     uint32  `json:"command"`
	Error       float64 `json:"error"`
	Resimulated bool    `json:"resimulated"`
}
