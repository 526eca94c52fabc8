package models

import "time"

// Role is a closed set of principal roles. Authorization decisions dispatch
// on this value, never on the concrete type of the caller.
type Role string

const (
	// RoleSuperAdmin has store-wide administrative visibility.
	RoleSuperAdmin Role = "super_admin"
	// RoleAdmin is scoped to a single team.
	RoleAdmin Role = "admin"
	// RoleUser holds only the access explicitly granted to them.
	RoleUser Role = "user"
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// Principal is a user or service identity. PublicKey is opaque to the
// server and may be empty until the principal completes key setup; a
// principal without a public key cannot be the target of a grant.
type Principal struct {
	ID        string
	Email     string
	Role      Role
	TeamID    string // empty when the principal is not team-scoped
	PublicKey []byte
	CreatedAt time.Time
}

// HasPublicKey reports whether the principal can receive a wrapped key.
func (p *Principal) HasPublicKey() bool {
	return len(p.PublicKey) > 0
}
