package arena

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"

	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/movement"
)

type EventKind string

const (
	EventSpawn    EventKind = "spawn"
	EventDespawn  EventKind = "despawn"
	EventInput    EventKind = "input"
	EventSnapshot EventKind = "snapshot"
)

// SpawnRecord describes a character spawn. OwnerClientID is empty for
// characters driven by the server itself.
type SpawnRecord struct {
	ID                  string     `json:"id"`
	OwnerClientID       string     `json:"owner_client_id,omitempty"`
	ServerAuthoritative bool       `json:"server_authoritative"`
	Spawn               [3]float64 `json:"spawn"`
}

// Event is one externally caused change applied before a tick.
type Event struct {
	Kind     EventKind           `json:"kind"`
	EntityID string              `json:"entity_id"`
	Spawn    *SpawnRecord        `json:"spawn,omitempty"`
	Commands []kinematic.Command `json:"commands,omitempty"`
	State    *kinematic.State    `json:"state,omitempty"`
}

// TickLogEntry is one line of the tick journal. Replaying the events of
// every entry in order against the preceding checkpoint reproduces Digest.
type TickLogEntry struct {
	Tick   uint64  `json:"tick"`
	Time   float64 `json:"time"`
	Events []Event `json:"events,omitempty"`
	Digest string  `json:"digest"`
}

type CorrectionRecord struct {
	Tick uint64 `json:"tick"`
	movement.Correction
}

// Digest hashes the tick and every entity's physical state and command
// bookkeeping, ordered by entity id.
func (a *Arena) Digest() string {
	h := sha256.New()
	var tmp [8]byte
	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	f64 := func(v float64) { u64(math.Float64bits(v)) }
	flag := func(b bool) {
		if b {
			u64(1)
		} else {
			u64(0)
		}
	}

	u64(a.mgr.Tick())
	ids := append([]string(nil), a.order...)
	sort.Strings(ids)
	for _, id := range ids {
		e := a.entities[id]
		h.Write([]byte(id))
		b := e.Character.Body()
		for _, v := range [][3]float64{b.Position, b.Velocity, b.Look, b.AngularVelocity} {
			f64(v[0])
			f64(v[1])
			f64(v[2])
		}
		f64(b.Rotation.W)
		f64(b.Rotation.V[0])
		f64(b.Rotation.V[1])
		f64(b.Rotation.V[2])
		flag(b.Grounded)
		flag(b.Crouching)
		u64(uint64(e.Mover.NextCommand()))
		u64(uint64(e.Mover.LastProcessed()))
		u64(uint64(e.Mover.BufferedCommands()))
	}
	return hex.EncodeToString(h.Sum(nil))
}
