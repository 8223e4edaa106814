package observerproto

import "netplay.ai/internal/protocol"

// Version is the spectator protocol version (separate from the client WS protocol).
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
)

// Client -> Server. First message on the spectator WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// RateHz caps how often TICK frames are sent; it never exceeds the
	// arena's tick rate.
	RateHz int `json:"rate_hz"`

	// Optional: only entities within Radius of FocusEntityID are listed.
	FocusEntityID string  `json:"focus_entity_id,omitempty"`
	Radius        float64 `json:"radius,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string             `json:"protocol_version"`
	ArenaID         string             `json:"arena_id"`
	Tick            uint64             `json:"tick"`
	TickRateHz      int                `json:"tick_rate_hz"`
	Params          protocol.SimParams `json:"params"`
}

// Server -> Client. Sent at the subscribed rate.
type TickMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Tick            uint64  `json:"tick"`
	Time            float64 `json:"time"`
	Digest          string  `json:"digest,omitempty"`

	Entities []EntityState `json:"entities"`
	// Joins and Leaves are relative to the previous TICK on this connection.
	Joins  []string `json:"joins,omitempty"`
	Leaves []string `json:"leaves,omitempty"`
}

type EntityState struct {
	ID            string `json:"id"`
	OwnerClientID string `json:"owner_client_id,omitempty"`
	Role          string `json:"role"`

	Pos      [3]float64 `json:"pos"`
	Vel      [3]float64 `json:"vel"`
	Grounded bool       `json:"grounded,omitempty"`

	LastProcessed uint32 `json:"last_processed"`
	Buffered      int    `json:"buffered,omitempty"`
}
