package movement

// Role is the authority role of one peer for one entity.
type Role int

const (
	RoleObserver Role = iota
	RoleAuthoritativeServer
	RoleAuthoritativeOwnerClient
	RolePredictingClient
	RoleForwardingServer
)

// ResolveRole derives the role from whether this peer runs the server
// simulation, whether it owns the entity's input, and whether the server is
// authoritative for the entity. A server that owns the entity is always its
// authority.
func ResolveRole(isServer, isOwner, serverAuthoritative bool) Role {
	switch {
	case isServer && (serverAuthoritative || isOwner):
		return RoleAuthoritativeServer
	case isServer:
		return RoleForwardingServer
	case isOwner && serverAuthoritative:
		return RolePredictingClient
	case isOwner:
		return RoleAuthoritativeOwnerClient
	default:
		return RoleObserver
	}
}

func (r Role) String() string {
	switch r {
	case RoleAuthoritativeServer:
		return "AUTHORITATIVE_SERVER"
	case RoleAuthoritativeOwnerClient:
		return "AUTHORITATIVE_OWNER_CLIENT"
	case RolePredictingClient:
		return "PREDICTING_CLIENT"
	case RoleForwardingServer:
		return "FORWARDING_SERVER"
	default:
		return "OBSERVER"
	}
}

// Authoritative reports whether this peer's computation is ground truth.
func (r Role) Authoritative() bool {
	return r == RoleAuthoritativeServer || r == RoleAuthoritativeOwnerClient
}

// Simulates reports whether the entity's movement logic runs locally.
func (r Role) Simulates() bool {
	return r.Authoritative() || r == RolePredictingClient
}
