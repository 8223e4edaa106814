package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// Codec requested for every frame after WELCOME: "json" (default) or
	// "msgpack".
	Codec string `json:"codec,omitempty"`
	// ResumeClientID reattaches to a character kept alive after a dropped
	// connection.
	ResumeClientID string `json:"resume_client_id,omitempty"`
}

// WELCOME (server -> client), always JSON.
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	ClientID        string    `json:"client_id"`
	EntityID        string    `json:"entity_id"`
	Codec           string    `json:"codec"`
	ServerTick      uint64    `json:"server_tick"`
	Params          SimParams `json:"params"`
}

// SimParams are the server's simulation knobs a client must mirror.
type SimParams struct {
	FixedStepMs                int     `json:"fixed_step_ms"`
	ClientSendIntervalMs       int     `json:"client_send_interval_ms"`
	ServerSendIntervalMs       int     `json:"server_send_interval_ms"`
	RenderBufferDelayMs        int     `json:"render_buffer_delay_ms"`
	ReconciliationTolerance    float64 `json:"reconciliation_tolerance"`
	InputResendCount           int     `json:"input_resend_count"`
	HistorySeconds             float64 `json:"history_seconds"`
	MaxServerCommandPrediction int     `json:"max_server_command_prediction"`
	MaxServerCommandCatchup    int     `json:"max_server_command_catchup"`
	Gravity                    float64 `json:"gravity"`

	Floor       float64 `json:"floor"`
	HalfExtentX float64 `json:"half_extent_x"`
	HalfExtentZ float64 `json:"half_extent_z"`

	Speed             float64 `json:"speed"`
	CrouchSpeedFactor float64 `json:"crouch_speed_factor"`
	JumpSpeed         float64 `json:"jump_speed"`
	Radius            float64 `json:"radius"`
}

type Command struct {
	N             uint32     `json:"n"`
	Move          [2]float64 `json:"move"`
	Look          [3]float64 `json:"look"`
	Jump          bool       `json:"jump,omitempty"`
	Crouch        bool       `json:"crouch,omitempty"`
	PayloadSchema uint16     `json:"payload_schema,omitempty"`
	Payload       []byte     `json:"payload,omitempty"`
}

type State struct {
	LastCommand  uint32     `json:"last_command"`
	Time         float64    `json:"time"`
	Pos          [3]float64 `json:"pos"`
	Vel          [3]float64 `json:"vel"`
	Rot          [4]float64 `json:"rot"` // w, x, y, z
	Look         [3]float64 `json:"look"`
	AngVel       [3]float64 `json:"ang_vel"`
	Grounded     bool       `json:"grounded,omitempty"`
	Crouching    bool       `json:"crouching,omitempty"`
	CustomSchema uint16     `json:"custom_schema,omitempty"`
	Custom       []byte     `json:"custom,omitempty"`
}

// INPUT (client -> server): newest unacknowledged commands plus a short
// resend window, ascending.
type InputMsg struct {
	Type     string    `json:"type"`
	EntityID string    `json:"entity_id"`
	Commands []Command `json:"commands"`
}

// SNAPSHOT (server -> client)
type SnapshotMsg struct {
	Type       string `json:"type"`
	EntityID   string `json:"entity_id"`
	ServerTick uint64 `json:"server_tick"`
	State      State  `json:"state"`
}

// SPAWN (server -> client) announces an entity the client observes.
type SpawnMsg struct {
	Type                string `json:"type"`
	EntityID            string `json:"entity_id"`
	OwnerClientID       string `json:"owner_client_id,omitempty"`
	ServerAuthoritative bool   `json:"server_authoritative,omitempty"`
	State               State  `json:"state"`
}

// DESPAWN (server -> client)
type DespawnMsg struct {
	Type     string `json:"type"`
	EntityID string `json:"entity_id"`
}

// PROBE (client -> server) asks which entities overlapped a sphere at the
// moment the client acted, evaluated with lag compensation.
type ProbeMsg struct {
	Type   string     `json:"type"`
	ID     string     `json:"id"`
	Center [3]float64 `json:"center"`
	Radius float64    `json:"radius"`
}

// PROBE_RESULT (server -> client)
type ProbeResultMsg struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	ServerTick uint64   `json:"server_tick"`
	Hits       []string `json:"hits"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
