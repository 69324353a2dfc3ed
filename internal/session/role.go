package session

// Role is what a connection is doing with the relay. Transitions are
// guarded: see canTransition.
type Role int32

const (
	// RoleUndetermined is the state after the handshake, before connect.
	RoleUndetermined Role = iota
	// RoleControl is a connected session that neither publishes nor plays.
	RoleControl
	RolePublisher
	RoleSubscriber
	// RoleClosed is terminal.
	RoleClosed
)

func (r Role) String() string {
	switch r {
	case RoleUndetermined:
		return "undetermined"
	case RoleControl:
		return "control"
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	case RoleClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// canTransition reports whether from -> to is a legal role change. Every
// state may close; a connection publishes or plays one stream at a time
// and must release it before taking the other role.
func canTransition(from, to Role) bool {
	if to == RoleClosed {
		return from != RoleClosed
	}
	switch from {
	case RoleUndetermined:
		return to == RoleControl
	case RoleControl:
		return to == RolePublisher || to == RoleSubscriber
	case RolePublisher, RoleSubscriber:
		return to == RoleControl
	}
	return false
}
