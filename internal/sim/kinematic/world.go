package kinematic

import (
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// Body is one simulated rigid body. Controlled bodies are integrated by their
// Character; the World only integrates free bodies.
type Body struct {
	ID              string
	Position        mgl64.Vec3
	Velocity        mgl64.Vec3
	Rotation        mgl64.Quat
	Look            mgl64.Vec3
	AngularVelocity mgl64.Vec3
	Radius          float64
	Grounded        bool
	Crouching       bool

	Controlled bool
	Frozen     bool

	// Transform is derived from Position and Rotation by SyncTransforms.
	Transform mgl64.Mat4
}

// Bounds is the walkable box: a floor plane and symmetric walls around the
// origin on X and Z.
type Bounds struct {
	Floor       float64 `yaml:"floor"`
	HalfExtentX float64 `yaml:"half_extent_x"`
	HalfExtentZ float64 `yaml:"half_extent_z"`
}

// World is the fixed-step physics primitive driven by the tick manager.
type World struct {
	gravity float64
	bounds  Bounds
	bodies  map[string]*Body
	order   []string
}

func NewWorld(gravity float64, bounds Bounds) *World {
	return &World{
		gravity: gravity,
		bounds:  bounds,
		bodies:  map[string]*Body{},
	}
}

func (w *World) Gravity() float64 { return w.gravity }
func (w *World) Bounds() Bounds   { return w.bounds }

func (w *World) AddBody(b *Body) error {
	if b == nil || b.ID == "" {
		return fmt.Errorf("kinematic: body without id")
	}
	if _, ok := w.bodies[b.ID]; ok {
		return fmt.Errorf("kinematic: duplicate body %q", b.ID)
	}
	if b.Rotation == (mgl64.Quat{}) {
		b.Rotation = mgl64.QuatIdent()
	}
	w.bodies[b.ID] = b
	idx := sort.SearchStrings(w.order, b.ID)
	w.order = append(w.order, "")
	copy(w.order[idx+1:], w.order[idx:])
	w.order[idx] = b.ID
	w.syncBody(b)
	return nil
}

func (w *World) RemoveBody(id string) {
	if _, ok := w.bodies[id]; !ok {
		return
	}
	delete(w.bodies, id)
	idx := sort.SearchStrings(w.order, id)
	w.order = append(w.order[:idx], w.order[idx+1:]...)
}

func (w *World) Body(id string) (*Body, bool) {
	b, ok := w.bodies[id]
	return b, ok
}

// Bodies returns all bodies ordered by id.
func (w *World) Bodies() []*Body {
	out := make([]*Body, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, w.bodies[id])
	}
	return out
}

// Step integrates gravity and velocity for free, unfrozen bodies.
func (w *World) Step(dt float64) {
	for _, id := range w.order {
		b := w.bodies[id]
		if b.Controlled || b.Frozen {
			continue
		}
		w.Integrate(b, dt)
	}
}

// Integrate advances one body by dt and resolves it against the bounds.
func (w *World) Integrate(b *Body, dt float64) {
	if !b.Grounded {
		b.Velocity[1] -= w.gravity * dt
	}
	b.Position = b.Position.Add(b.Velocity.Mul(dt))
	w.Resolve(b)
}

// Resolve pushes b back inside the bounds, zeroing velocity into walls and
// the floor.
func (w *World) Resolve(b *Body) {
	if b.Position[1] <= w.bounds.Floor {
		b.Position[1] = w.bounds.Floor
		if b.Velocity[1] < 0 {
			b.Velocity[1] = 0
		}
		b.Grounded = true
	} else {
		b.Grounded = false
	}
	if hx := w.bounds.HalfExtentX; hx > 0 {
		if x := mgl64.Clamp(b.Position[0], -hx, hx); x != b.Position[0] {
			b.Position[0] = x
			b.Velocity[0] = 0
		}
	}
	if hz := w.bounds.HalfExtentZ; hz > 0 {
		if z := mgl64.Clamp(b.Position[2], -hz, hz); z != b.Position[2] {
			b.Position[2] = z
			b.Velocity[2] = 0
		}
	}
}

func (w *World) SyncTransforms() {
	for _, id := range w.order {
		w.syncBody(w.bodies[id])
	}
}

func (w *World) syncBody(b *Body) {
	b.Transform = mgl64.Translate3D(b.Position[0], b.Position[1], b.Position[2]).Mul4(b.Rotation.Mat4())
}

// Overlap returns the ids of bodies whose sphere touches the query sphere,
// excluding exclude, ordered by id.
func (w *World) Overlap(center mgl64.Vec3, radius float64, exclude string) []string {
	var hits []string
	for _, id := range w.order {
		if id == exclude {
			continue
		}
		b := w.bodies[id]
		pos := b.Transform.Col(3).Vec3()
		if pos.Sub(center).Len() <= radius+b.Radius {
			hits = append(hits, id)
		}
	}
	return hits
}
