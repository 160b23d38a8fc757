package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleOwner    = "owner"    // manages their own queue and reads their own calls
	RoleOperator = "operator" // read-only view of their own calls
	RoleAdmin    = "admin"    // cross-user reads, on-demand passes
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func Valid(role string) bool {
	switch role {
	case RoleOwner, RoleOperator, RoleAdmin:
		return true
	}
	return false
}
