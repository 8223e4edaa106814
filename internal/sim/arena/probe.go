package arena

import (
	"github.com/go-gl/mathgl/mgl64"

	"netplay.ai/internal/sim/kinematic"
)

// LagCompensated runs fn against the world as clientID saw it when it acted
// now with the given one-way latency, then restores the present. Tick thread
// only.
func (a *Arena) LagCompensated(clientID string, latency float64, fn func(w *kinematic.World)) {
	a.mgr.LagCompensationCheck(clientID, a.mgr.Time(), latency)
	defer a.mgr.RestorePresent()
	fn(a.world)
}

// Probe lists the entities overlapping a sphere in clientID's view of the
// world. The client's own entity is never a hit.
func (a *Arena) Probe(clientID string, latency float64, center mgl64.Vec3, radius float64) []string {
	exclude := ""
	for _, id := range a.order {
		if clientID != "" && a.entities[id].Record.OwnerClientID == clientID {
			exclude = id
			break
		}
	}
	var hits []string
	a.LagCompensated(clientID, latency, func(w *kinematic.World) {
		hits = w.Overlap(center, radius, exclude)
	})
	return hits
}
