package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"netplay.ai/internal/observerproto"
	"netplay.ai/internal/sim/arena"
)

// Server streams read-only arena views to spectators. Spectators own no
// entity and never feed the simulation.
type Server struct {
	arena *arena.Arena
	log   *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	active   atomic.Int64
}

func NewServer(a *arena.Arena, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		arena: a,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Active reports the connected spectators.
func (s *Server) Active() int { return int(s.active.Load()) }

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		ch := make(chan observerproto.BootstrapResponse, 1)
		s.arena.Post(func() {
			tune := s.arena.Tuning()
			ch <- observerproto.BootstrapResponse{
				ProtocolVersion: observerproto.Version,
				ArenaID:         s.arena.ID(),
				Tick:            s.arena.Tick(),
				TickRateHz:      tickRate(s.arena),
				Params:          arena.ParamsFromTuning(tune),
			}
		})
		select {
		case resp := <-ch:
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			http.Error(rw, "tick loop busy", http.StatusServiceUnavailable)
		}
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}
		maxRate := tickRate(s.arena)
		normalizeSubscribe(&sub, maxRate)

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		s.active.Add(1)
		defer s.active.Add(-1)
		s.log.Printf("observer %s subscribed rate_hz=%d focus=%q", sid, sub.RateHz, sub.FocusEntityID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		updates := make(chan observerproto.SubscribeMsg, 1)
		writeErr := make(chan error, 1)
		go func() { writeErr <- s.stream(ctx, conn, sub, updates) }()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := parseSubscribe(msg)
			if !ok {
				continue
			}
			normalizeSubscribe(&next, maxRate)
			// Latest settings win.
			select {
			case <-updates:
			default:
			}
			updates <- next
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// stream writes one TICK per period until ctx ends or a write fails.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub observerproto.SubscribeMsg, updates <-chan observerproto.SubscribeMsg) error {
	ticker := time.NewTicker(time.Second / time.Duration(sub.RateHz))
	defer ticker.Stop()

	var prev map[string]bool
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-updates:
			if next.RateHz != sub.RateHz {
				ticker.Reset(time.Second / time.Duration(next.RateHz))
			}
			sub = next
		case <-ticker.C:
			type built struct {
				msg  observerproto.TickMsg
				seen map[string]bool
			}
			ch := make(chan built, 1)
			cur := sub
			s.arena.Post(func() {
				msg, seen := BuildTick(s.arena, cur, prev)
				ch <- built{msg, seen}
			})
			var b built
			select {
			case b = <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			prev = b.seen

			buf, err := json.Marshal(b.msg)
			if err != nil {
				return err
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return err
			}
		}
	}
}

// BuildTick renders the spectator view of a. It must run on the arena's
// tick thread. prev is the entity set of the previous frame; the returned
// set replaces it.
func BuildTick(a *arena.Arena, sub observerproto.SubscribeMsg, prev map[string]bool) (observerproto.TickMsg, map[string]bool) {
	msg := observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            a.Tick(),
		Time:            a.Manager().Time(),
		Digest:          a.Digest(),
		Entities:        []observerproto.EntityState{},
	}

	var center [3]float64
	focused := false
	if sub.FocusEntityID != "" && sub.Radius > 0 {
		if e := a.Entity(sub.FocusEntityID); e != nil {
			center = [3]float64(e.Character.Body().Position)
			focused = true
		}
	}

	seen := make(map[string]bool, len(prev))
	for _, id := range a.EntityIDs() {
		e := a.Entity(id)
		b := e.Character.Body()
		pos := [3]float64(b.Position)
		if focused && dist(pos, center) > sub.Radius {
			continue
		}
		seen[id] = true
		if !prev[id] {
			msg.Joins = append(msg.Joins, id)
		}
		msg.Entities = append(msg.Entities, observerproto.EntityState{
			ID:            id,
			OwnerClientID: e.Record.OwnerClientID,
			Role:          e.Role().String(),
			Pos:           pos,
			Vel:           [3]float64(b.Velocity),
			Grounded:      b.Grounded,
			LastProcessed: e.Mover.LastProcessed(),
			Buffered:      e.Mover.BufferedCommands(),
		})
	}
	for id := range prev {
		if !seen[id] {
			msg.Leaves = append(msg.Leaves, id)
		}
	}
	sort.Strings(msg.Leaves)
	return msg, seen
}

func parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	return sub, true
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg, maxRate int) {
	if sub.RateHz <= 0 {
		sub.RateHz = 10
	}
	if sub.RateHz > maxRate {
		sub.RateHz = maxRate
	}
	if sub.Radius < 0 {
		sub.Radius = 0
	}
}

func tickRate(a *arena.Arena) int {
	iv := a.Tuning().TickInterval()
	if iv <= 0 {
		return 1
	}
	if hz := int(time.Second / iv); hz > 0 {
		return hz
	}
	return 1
}

func dist(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
