package metadata

import "slices"

// UserContext represents the acting principal, set by auth middleware or
// supplied explicitly for delegated checks.
type UserContext struct {
	ID         string   `json:"id"`
	Email      string   `json:"email,omitempty"`
	Identifier string   `json:"identifier,omitempty"`
	Roles      []string `json:"roles"`
}

// HasRole checks whether the user has a specific role.
func (u *UserContext) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}
