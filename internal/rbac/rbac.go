package rbac

type Role string

const (
	RoleClient  Role = "client"
	RoleStaff   Role = "staff"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// Normalize maps unknown or empty roles to client, the least privileged role.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleClient, RoleStaff, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleClient
	}
}

// Valid reports whether role names one of the portal roles.
func Valid(role string) bool {
	switch Role(role) {
	case RoleClient, RoleStaff, RoleManager, RoleAdmin:
		return true
	default:
		return false
	}
}

// Counterpart is the role notified when someone with the given role comments:
// clients reach managers, everyone else reaches clients.
func Counterpart(role Role) Role {
	if role == RoleClient {
		return RoleManager
	}
	return RoleClient
}

// CanSee reports whether a notification targeted at target is visible to viewer.
// A nil target is a broadcast.
func CanSee(viewer Role, target *Role) bool {
	if target == nil {
		return true
	}
	return *target == viewer
}
