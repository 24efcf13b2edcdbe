package model

// Role is the marketplace role an actor acts under.
type Role string

const (
	RoleSeller      Role = "seller"
	RoleBuyer       Role = "buyer"
	RoleAdmin       Role = "admin"
	RoleWasteWorker Role = "waste_worker"
)

// Roles lists every known role.
var Roles = []Role{RoleSeller, RoleBuyer, RoleAdmin, RoleWasteWorker}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Actor identifies who requests a transition and under which role.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}
