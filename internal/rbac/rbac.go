package rbac

// Role is the per-document access level granted to a connection.
type Role string

type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps arbitrary stored strings onto a known role,
// defaulting to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor:
		return Role(role)
	default:
		return RoleViewer
	}
}
