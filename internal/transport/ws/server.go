package ws

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"netplay.ai/internal/protocol"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
)

// Metrics receives connection and frame counters. Implemented by
// observability.SimCollector.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	IncFrame(direction, msgType string)
	IncOutboundDrop()
}

type Config struct {
	Logger  *log.Logger
	Metrics Metrics

	// OutboundQueue bounds the frames pending per connection; when full the
	// oldest frame is dropped.
	OutboundQueue int
	// ReconnectGrace keeps a disconnected client's character alive so a
	// HELLO with resume_client_id can take it back.
	ReconnectGrace time.Duration
	PingInterval   time.Duration

	// ServerAuthoritative selects server-side simulation for client
	// characters; otherwise owners simulate and the server forwards.
	ServerAuthoritative bool
	// SpawnPoint places the n-th joining client (1-based).
	SpawnPoint func(n uint64) [3]float64
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = time.Second
	}
	if c.SpawnPoint == nil {
		c.SpawnPoint = func(n uint64) [3]float64 { return [3]float64{float64(n%8) * 2, 0, float64(n/8) * 2} }
	}
}

type frame struct {
	typ    string
	binary bool
	data   []byte
}

type session struct {
	clientID string
	entityID string
	codec    protocol.Codec
	gen      uint64
	out      chan frame

	// rttNanos is the newest ping round trip.
	rttNanos atomic.Int64
}

// latency is the one-way delay used for lag compensation, in seconds.
func (c *session) latency() float64 {
	return time.Duration(c.rttNanos.Load()).Seconds() / 2
}

func (c *session) push(f frame) (dropped bool) { return sendLatest(c.out, f) }

// sendLatest enqueues f, dropping the oldest pending frame when ch is full.
func sendLatest(ch chan frame, f frame) (dropped bool) {
	select {
	case ch <- f:
		return false
	default:
	}
	// Drop one.
	select {
	case <-ch:
		dropped = true
	default:
	}
	select {
	case ch <- f:
	default:
		dropped = true
	}
	return dropped
}

// Server accepts client connections for one arena. It is the arena's Outbox:
// snapshots and spawn notices are broadcast to every attached session.
type Server struct {
	arena *arena.Arena
	cfg   Config
	log   *log.Logger

	upgrader websocket.Upgrader

	joined atomic.Uint64

	mu       sync.Mutex
	sessions map[string]*session
	// detached maps client id to entity id while the grace period runs.
	detached map[string]string
	gens     map[string]uint64
}

func NewServer(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
		detached: map[string]string{},
		gens:     map[string]uint64{},
	}
}

// Attach binds the arena the server feeds. Must be called before Handler
// serves connections.
func (s *Server) Attach(a *arena.Arena) { s.arena = a }

// Sessions reports the number of attached connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SendInput is part of arena.Outbox; servers never send commands.
func (s *Server) SendInput(string, []kinematic.Command) {}

func (s *Server) SendSnapshot(entityID string, st kinematic.State) {
	skip := ""
	if !s.cfg.ServerAuthoritative {
		// Owner-authoritative characters are not echoed back to their owner.
		skip = entityID
	}
	s.broadcast(skip, protocol.SnapshotMsg{
		Type:       protocol.TypeSnapshot,
		EntityID:   entityID,
		ServerTick: s.arena.Tick(),
		State:      arena.StateToWire(st),
	}, protocol.TypeSnapshot)
}

func (s *Server) EntitySpawned(rec arena.SpawnRecord, st kinematic.State) {
	s.broadcast("", spawnMsg(rec, st), protocol.TypeSpawn)
}

func (s *Server) EntityDespawned(id string) {
	s.mu.Lock()
	for clientID, entityID := range s.detached {
		if entityID == id {
			delete(s.detached, clientID)
		}
	}
	s.mu.Unlock()
	s.broadcast("", protocol.DespawnMsg{Type: protocol.TypeDespawn, EntityID: id}, protocol.TypeDespawn)
}

func spawnMsg(rec arena.SpawnRecord, st kinematic.State) protocol.SpawnMsg {
	return protocol.SpawnMsg{
		Type:                protocol.TypeSpawn,
		EntityID:            rec.ID,
		OwnerClientID:       rec.OwnerClientID,
		ServerAuthoritative: rec.ServerAuthoritative,
		State:               arena.StateToWire(st),
	}
}

// broadcast encodes v once per codec and queues it on every session except
// the owner of skipEntity.
func (s *Server) broadcast(skipEntity string, v any, typ string) {
	s.mu.Lock()
	targets := make([]*session, 0, len(s.sessions))
	for _, c := range s.sessions {
		if skipEntity != "" && c.entityID == skipEntity {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	encoded := map[string][]byte{}
	for _, c := range targets {
		b, ok := encoded[c.codec.Name()]
		if !ok {
			var err error
			b, err = c.codec.Marshal(v)
			if err != nil {
				s.log.Printf("warn: ws: encode %s: %v", typ, err)
				return
			}
			encoded[c.codec.Name()] = b
		}
		s.enqueue(c, frame{typ: typ, binary: c.codec.Binary(), data: b})
	}
}

func (s *Server) send(c *session, v any, typ string) {
	b, err := c.codec.Marshal(v)
	if err != nil {
		s.log.Printf("warn: ws: encode %s: %v", typ, err)
		return
	}
	s.enqueue(c, frame{typ: typ, binary: c.codec.Binary(), data: b})
}

func (s *Server) sendError(c *session, code, msg string) {
	s.send(c, protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: msg}, protocol.TypeError)
}

func (s *Server) enqueue(c *session, f frame) {
	if c.push(f) && s.cfg.Metrics != nil {
		s.cfg.Metrics.IncOutboundDrop()
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConnectionOpened()
			defer s.cfg.Metrics.ConnectionClosed()
		}
		s.log.Printf("ws: client %s attached entity=%s codec=%s", sess.clientID, sess.entityID, sess.codec.Name())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		conn.SetPongHandler(func(appData string) error {
			if len(appData) == 8 {
				sent := int64(binary.LittleEndian.Uint64([]byte(appData)))
				if rtt := time.Now().UnixNano() - sent; rtt >= 0 {
					sess.rttNanos.Store(rtt)
				}
			}
			return nil
		})

		// Writer goroutine.
		go func() {
			ping := time.NewTicker(s.cfg.PingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ping.C:
					var tmp [8]byte
					binary.LittleEndian.PutUint64(tmp[:], uint64(time.Now().UnixNano()))
					if err := conn.WriteControl(websocket.PingMessage, tmp[:], time.Now().Add(5*time.Second)); err != nil {
						cancel()
						return
					}
				case f := <-sess.out:
					mt := websocket.TextMessage
					if f.binary {
						mt = websocket.BinaryMessage
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(mt, f.data); err != nil {
						cancel()
						return
					}
					if s.cfg.Metrics != nil {
						s.cfg.Metrics.IncFrame("out", f.typ)
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handleFrame(sess, msg)
		}

		// Cleanup.
		s.detach(sess)
	}
}

func (s *Server) handleFrame(sess *session, msg []byte) {
	base, err := protocol.Decode(sess.codec, msg)
	if err != nil {
		s.sendError(sess, protocol.ErrProtoBadRequest, "undecodable frame")
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncFrame("in", base.Type)
	}
	switch base.Type {
	case protocol.TypeInput:
		var in protocol.InputMsg
		if err := sess.codec.Unmarshal(msg, &in); err != nil {
			s.sendError(sess, protocol.ErrProtoBadRequest, "bad INPUT")
			return
		}
		if !s.owns(sess, in.EntityID) {
			return
		}
		s.arena.DeliverInput(in.EntityID, arena.CommandsFromWire(in.Commands))
	case protocol.TypeSnapshot:
		var snap protocol.SnapshotMsg
		if err := sess.codec.Unmarshal(msg, &snap); err != nil {
			s.sendError(sess, protocol.ErrProtoBadRequest, "bad SNAPSHOT")
			return
		}
		if !s.owns(sess, snap.EntityID) {
			return
		}
		s.arena.DeliverSnapshot(snap.EntityID, arena.StateFromWire(snap.State))
	case protocol.TypeProbe:
		var p protocol.ProbeMsg
		if err := sess.codec.Unmarshal(msg, &p); err != nil || p.Radius <= 0 {
			s.sendError(sess, protocol.ErrBadRequest, "bad PROBE")
			return
		}
		latency := sess.latency()
		s.arena.Post(func() {
			hits := s.arena.Probe(sess.clientID, latency, mgl64.Vec3(p.Center), p.Radius)
			if hits == nil {
				hits = []string{}
			}
			s.send(sess, protocol.ProbeResultMsg{
				Type:       protocol.TypeProbeResult,
				ID:         p.ID,
				ServerTick: s.arena.Tick(),
				Hits:       hits,
			}, protocol.TypeProbeResult)
		})
	default:
		s.sendError(sess, protocol.ErrProtoBadRequest, fmt.Sprintf("unexpected %s", base.Type))
	}
}

func (s *Server) owns(sess *session, entityID string) bool {
	if entityID == sess.entityID {
		return true
	}
	if entityID == "" {
		s.sendError(sess, protocol.ErrUnknownEntity, "missing entity_id")
	} else {
		s.sendError(sess, protocol.ErrNotOwner, fmt.Sprintf("entity %q is not yours", entityID))
	}
	return false
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return nil
	}
	codec, err := protocol.CodecFor(hello.Codec)
	if err != nil {
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrUnsupportedCodec, Message: err.Error()})
		closeWith(conn, websocket.CloseUnsupportedData, "unsupported codec")
		return nil
	}

	sess := &session{codec: codec}
	resumed := false
	s.mu.Lock()
	if entityID, ok := s.detached[hello.ResumeClientID]; ok && hello.ResumeClientID != "" {
		sess.clientID, sess.entityID = hello.ResumeClientID, entityID
		delete(s.detached, hello.ResumeClientID)
		resumed = true
	}
	s.mu.Unlock()
	n := s.joined.Add(1)
	if !resumed {
		sess.clientID = fmt.Sprintf("c%d", n)
		sess.entityID = fmt.Sprintf("p%d", n)
	}

	// The arena is only touched on its tick thread; WELCOME and the spawn
	// notices for present entities are queued there, ahead of any broadcast
	// this session will see.
	done := make(chan error, 1)
	s.arena.Post(func() {
		if resumed {
			if s.arena.Entity(sess.entityID) == nil {
				done <- fmt.Errorf("entity %s already despawned", sess.entityID)
				return
			}
		} else {
			rec := arena.SpawnRecord{
				ID:                  sess.entityID,
				OwnerClientID:       sess.clientID,
				ServerAuthoritative: s.cfg.ServerAuthoritative,
				Spawn:               s.cfg.SpawnPoint(n),
			}
			if _, err := s.arena.AddEntity(rec); err != nil {
				done <- err
				return
			}
		}
		ids := s.arena.EntityIDs()
		sess.out = make(chan frame, s.cfg.OutboundQueue+len(ids)+1)

		welcome, err := json.Marshal(protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			ClientID:        sess.clientID,
			EntityID:        sess.entityID,
			Codec:           codec.Name(),
			ServerTick:      s.arena.Tick(),
			Params:          arena.ParamsFromTuning(s.arena.Tuning()),
		})
		if err != nil {
			done <- err
			return
		}
		sess.push(frame{typ: protocol.TypeWelcome, data: welcome})
		now := s.arena.Manager().Time()
		for _, id := range ids {
			e := s.arena.Entity(id)
			s.send(sess, spawnMsg(e.Record, e.Character.GetCurrentState(0, now)), protocol.TypeSpawn)
		}

		s.mu.Lock()
		s.gens[sess.clientID]++
		sess.gen = s.gens[sess.clientID]
		s.sessions[sess.clientID] = sess
		s.mu.Unlock()
		done <- nil
	})
	if err := <-done; err != nil {
		s.log.Printf("warn: ws: join %s: %v", hello.ClientName, err)
		_ = writeJSON(conn, protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrStale, Message: err.Error()})
		closeWith(conn, websocket.CloseNormalClosure, "join failed")
		return nil
	}
	return sess
}

// detach stops broadcasts to sess and despawns its character unless the
// client resumes within the grace period.
func (s *Server) detach(sess *session) {
	s.mu.Lock()
	cur, ok := s.sessions[sess.clientID]
	if !ok || cur != sess {
		// A resumed connection already replaced this one.
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.clientID)
	s.detached[sess.clientID] = sess.entityID
	s.mu.Unlock()
	s.log.Printf("ws: client %s detached", sess.clientID)

	s.arena.Post(func() { s.despawnUnlessResumed(sess.clientID, sess.entityID, sess.gen) })
}

// despawnUnlessResumed schedules the removal of entityID after the grace
// period unless clientID attaches again first. Tick thread only.
func (s *Server) despawnUnlessResumed(clientID, entityID string, gen uint64) {
	grace := uint64(s.cfg.ReconnectGrace / s.arena.Tuning().TickInterval())
	s.arena.DespawnAfter(entityID, grace, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.gens[clientID] != gen
	})
}

// AdoptRestored treats the owned characters of a restored arena as detached
// clients, so their owners can resume them within the grace period. It must
// be called after the checkpoint import and before the arena runs.
func (s *Server) AdoptRestored() int {
	var highest uint64
	var adopted []arena.SpawnRecord
	s.mu.Lock()
	for _, id := range s.arena.EntityIDs() {
		rec := s.arena.Entity(id).Record
		if rec.OwnerClientID == "" {
			continue
		}
		s.detached[rec.OwnerClientID] = rec.ID
		adopted = append(adopted, rec)
		var n uint64
		if _, err := fmt.Sscanf(rec.OwnerClientID, "c%d", &n); err == nil && n > highest {
			highest = n
		}
	}
	s.mu.Unlock()
	if highest > s.joined.Load() {
		s.joined.Store(highest)
	}
	for _, rec := range adopted {
		s.despawnUnlessResumed(rec.OwnerClientID, rec.ID, 0)
	}
	return len(adopted)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
