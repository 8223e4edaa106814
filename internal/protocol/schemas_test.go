package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"netplay.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	compile := func(name string) *jsonschema.Schema {
		t.Helper()
		p := filepath.Join("..", "..", "schemas", name)
		s, err := jsonschema.Compile(p)
		if err != nil {
			t.Fatalf("compile %s: %v", name, err)
		}
		return s
	}

	// Messages are validated the way a peer sees them: encoded, then decoded
	// into generic JSON.
	validate := func(s *jsonschema.Schema, msg any) {
		t.Helper()
		raw, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate %s: %v", raw, err)
		}
	}

	state := protocol.State{
		LastCommand: 105,
		Time:        2.1,
		Pos:         [3]float64{1, 0, 2},
		Rot:         [4]float64{1, 0, 0, 0},
		Grounded:    true,
		Custom:      []byte{0x01, 0x02},
	}

	validate(compile("hello.schema.json"), protocol.HelloMsg{
		Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: "bot1", Codec: protocol.CodecMsgpack,
	})
	validate(compile("welcome.schema.json"), protocol.WelcomeMsg{
		Type: protocol.TypeWelcome, ProtocolVersion: protocol.Version, ClientID: "c1", EntityID: "p1",
		Codec: protocol.CodecJSON, ServerTick: 42,
		Params: protocol.SimParams{FixedStepMs: 20, ClientSendIntervalMs: 40, ServerSendIntervalMs: 60, ReconciliationTolerance: 0.01, HistorySeconds: 1},
	})
	validate(compile("input.schema.json"), protocol.InputMsg{
		Type: protocol.TypeInput, EntityID: "p1",
		Commands: []protocol.Command{{N: 7, Move: [2]float64{0, 1}}, {N: 8, Move: [2]float64{-1, 0}, Jump: true, PayloadSchema: 3, Payload: []byte("x")}},
	})
	validate(compile("snapshot.schema.json"), protocol.SnapshotMsg{Type: protocol.TypeSnapshot, EntityID: "p1", ServerTick: 105, State: state})
	validate(compile("spawn.schema.json"), protocol.SpawnMsg{Type: protocol.TypeSpawn, EntityID: "p2", OwnerClientID: "c2", State: state})
	validate(compile("probe.schema.json"), protocol.ProbeMsg{Type: protocol.TypeProbe, ID: "q1", Center: [3]float64{0, 1, 0}, Radius: 2})
	validate(compile("error.schema.json"), protocol.ErrorMsg{Type: protocol.TypeError, Code: protocol.ErrUnknownEntity, Message: "no entity p9"})
}

func TestSchemas_RejectMalformed(t *testing.T) {
	s, err := jsonschema.Compile(filepath.Join("..", "..", "schemas", "input.schema.json"))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var v any
	_ = json.Unmarshal([]byte(`{"type":"INPUT","entity_id":"p1","commands":[{"n":0,"move":[2,0],"look":[0,0,0]}]}`), &v)
	if err := s.Validate(v); err == nil {
		t.Fatalf("expected command number 0 and out-of-range move to be rejected")
	}
}
