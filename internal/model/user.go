package model

// Roles carried in the access token's role claim. Identities are issued
// elsewhere; this service only checks them.
const (
	RoleGuardian   = "GUARDIAN"
	RoleInstructor = "INSTRUCTOR"
	RoleAdmin      = "ADMIN"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r string) bool {
	switch r {
	case RoleGuardian, RoleInstructor, RoleAdmin:
		return true
	}
	return false
}
