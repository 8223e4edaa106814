package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest  = "E_PROTO_BAD_REQUEST"
	ErrUnsupportedCodec = "E_UNSUPPORTED_CODEC"

	// Entity routing.
	ErrUnknownEntity = "E_UNKNOWN_ENTITY"
	ErrNotOwner      = "E_NOT_OWNER"

	// Simulation layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrStale      = "E_STALE"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrUnsupportedCodec: {},
	ErrUnknownEntity:    {},
	ErrNotOwner:         {},
	ErrBadRequest:       {},
	ErrStale:            {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
