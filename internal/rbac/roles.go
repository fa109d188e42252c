package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleClient places calls (the requester side).
	RoleClient = "client"
	// RoleStaff answers calls (the responder side).
	RoleStaff = "staff"
	// RoleAdmin is an org operator; it bypasses role checks.
	RoleAdmin = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsResponder(role string) bool { return role == RoleStaff }

func IsRequester(role string) bool { return role == RoleClient }

// IsKnown reports whether role is one of the roles above.
func IsKnown(role string) bool {
	switch role {
	case RoleClient, RoleStaff, RoleAdmin:
		return true
	}
	return false
}
