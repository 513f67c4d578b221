package domain

// Role is the venue role of the acting user.
type Role string

// Roles, lowest to highest.
const (
	RoleReporter   Role = "reporter"
	RoleResponder  Role = "responder"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

var roleRank = map[Role]int{
	RoleReporter:   1,
	RoleResponder:  2,
	RoleSupervisor: 3,
	RoleAdmin:      4,
}

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r is at least minRole.
func (r Role) HasPermission(minRole Role) bool {
	return roleRank[r] > 0 && roleRank[r] >= roleRank[minRole]
}

// Principal is the acting user, supplied by the caller of every engine operation.
type Principal struct {
	UserID string
	Role   Role
}
