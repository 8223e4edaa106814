package kinematic

import (
	"hash/fnv"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Wander is a deterministic roaming script for bots and server-driven
// characters. The same id always yields the same command stream.
func Wander(id string) Script {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	phase := float64(h.Sum64()%3600) / 3600 * 2 * math.Pi
	return func(n uint32) Command {
		t := float64(n)
		return Command{
			Move: mgl64.Vec2{math.Sin(t*0.021 + phase), 1},
			Look: mgl64.Vec3{0, phase + t*0.013, 0},
			Jump: n%97 == 0,
		}
	}
}
