package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"netplay.ai/internal/protocol"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
)

var ErrClosed = errors.New("ws: connection closed")

// Client is one peer's connection to a server. It is the client arena's
// Outbox and feeds received snapshots and spawn notices back into it.
type Client struct {
	conn    *websocket.Conn
	codec   protocol.Codec
	log     *log.Logger
	welcome protocol.WelcomeMsg

	out    chan frame
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	probes map[string]chan protocol.ProbeResultMsg
	seq    uint64
}

// Dial connects to url, performs the HELLO/WELCOME handshake and starts the
// writer. The connection is closed if the handshake fails.
func Dial(ctx context.Context, url string, hello protocol.HelloMsg, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	hello.Type = protocol.TypeHello
	if hello.ProtocolVersion == "" {
		hello.ProtocolVersion = protocol.Version
	}
	codec, err := protocol.CodecFor(hello.Codec)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws: handshake: %w", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws: handshake: %w", err)
	}
	switch base.Type {
	case protocol.TypeWelcome:
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = json.Unmarshal(msg, &e)
		conn.Close()
		return nil, fmt.Errorf("ws: handshake rejected: %s: %s", e.Code, e.Message)
	default:
		conn.Close()
		return nil, fmt.Errorf("ws: handshake: unexpected %s", base.Type)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws: handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:    conn,
		codec:   codec,
		log:     logger,
		welcome: welcome,
		out:     make(chan frame, 64),
		ctx:     cctx,
		cancel:  cancel,
		probes:  map[string]chan protocol.ProbeResultMsg{},
	}
	go c.writeLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

func (c *Client) Close() error {
	c.cancel()
	closeWith(c.conn, websocket.CloseNormalClosure, "bye")
	return c.conn.Close()
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(mt, f.data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *Client) send(v any, typ string) {
	b, err := c.codec.Marshal(v)
	if err != nil {
		c.log.Printf("warn: ws: encode %s: %v", typ, err)
		return
	}
	if sendLatest(c.out, frame{typ: typ, binary: c.codec.Binary(), data: b}) {
		c.log.Printf("warn: ws: outbound queue full, dropped oldest frame")
	}
}

func (c *Client) SendInput(entityID string, cmds []kinematic.Command) {
	c.send(protocol.InputMsg{Type: protocol.TypeInput, EntityID: entityID, Commands: arena.CommandsToWire(cmds)}, protocol.TypeInput)
}

func (c *Client) SendSnapshot(entityID string, st kinematic.State) {
	c.send(protocol.SnapshotMsg{Type: protocol.TypeSnapshot, EntityID: entityID, State: arena.StateToWire(st)}, protocol.TypeSnapshot)
}

// Probe asks the server which entities overlapped the sphere as this client
// saw the world, and waits for the answer.
func (c *Client) Probe(ctx context.Context, center [3]float64, radius float64) ([]string, error) {
	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("q%d", c.seq)
	ch := make(chan protocol.ProbeResultMsg, 1)
	c.probes[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.probes, id)
		c.mu.Unlock()
	}()

	c.send(protocol.ProbeMsg{Type: protocol.TypeProbe, ID: id, Center: center, Radius: radius}, protocol.TypeProbe)
	select {
	case res := <-ch:
		return res.Hits, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrClosed
	}
}

// Serve reads frames until the connection drops or ctx is done, applying
// them to a. a must have been created with this client as its Outbox.
func (c *Client) Serve(ctx context.Context, a *arena.Arena) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.ctx.Done():
		}
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.handleFrame(a, msg); err != nil {
			c.log.Printf("warn: ws: %v", err)
		}
	}
}

func (c *Client) handleFrame(a *arena.Arena, msg []byte) error {
	base, err := protocol.Decode(c.codec, msg)
	if err != nil {
		return err
	}
	switch base.Type {
	case protocol.TypeSnapshot:
		var m protocol.SnapshotMsg
		if err := c.codec.Unmarshal(msg, &m); err != nil {
			return err
		}
		a.DeliverSnapshot(m.EntityID, arena.StateFromWire(m.State))
	case protocol.TypeSpawn:
		var m protocol.SpawnMsg
		if err := c.codec.Unmarshal(msg, &m); err != nil {
			return err
		}
		rec := arena.SpawnRecord{
			ID:                  m.EntityID,
			OwnerClientID:       m.OwnerClientID,
			ServerAuthoritative: m.ServerAuthoritative,
			Spawn:               m.State.Pos,
		}
		a.Post(func() {
			if a.Entity(rec.ID) != nil {
				return
			}
			if _, err := a.AddEntity(rec); err != nil {
				c.log.Printf("warn: ws: spawn %s: %v", rec.ID, err)
			}
		})
	case protocol.TypeDespawn:
		var m protocol.DespawnMsg
		if err := c.codec.Unmarshal(msg, &m); err != nil {
			return err
		}
		a.Post(func() { a.RemoveEntity(m.EntityID) })
	case protocol.TypeProbeResult:
		var m protocol.ProbeResultMsg
		if err := c.codec.Unmarshal(msg, &m); err != nil {
			return err
		}
		c.mu.Lock()
		ch := c.probes[m.ID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m:
			default:
			}
		}
	case protocol.TypeError:
		var m protocol.ErrorMsg
		if err := c.codec.Unmarshal(msg, &m); err != nil {
			return err
		}
		return fmt.Errorf("server error %s: %s", m.Code, m.Message)
	default:
		return fmt.Errorf("unexpected %s", base.Type)
	}
	return nil
}
