// Package domain holds the core types of the client state layer and the
// normalization boundary that converts raw server payloads into them.
// Nothing in this package performs I/O.
package domain

// RawUser mirrors the wire shape of a user record as returned by the auth
// collaborator. Different deployments disagree on how "admin" is expressed,
// so all four known signals are carried here and folded by NormalizeUser.
type RawUser struct {
	ID        int64    `json:"id"`
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name,omitempty"`
	LastName  string   `json:"last_name,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	IsAdmin   bool     `json:"is_admin,omitempty"`
	IsStaff   bool     `json:"is_staff,omitempty"`
	Role      string   `json:"role,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// UserRecord is the normalized user as the rest of the client sees it.
// It is produced only by NormalizeUser and never updated field-by-field.
type UserRecord struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`

	// IsAdmin is a UI hint only, never a security boundary; the server
	// remains the authority on every privileged call.
	IsAdmin bool `json:"is_admin"`
}

// UserLite is the reduced user shape embedded in follow lists and
// notifications.
type UserLite struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// NormalizeUser folds a raw server payload into a UserRecord. The admin flag
// is the logical OR of the explicit flag, the staff flag, an "admin" role and
// "admin" group membership.
func NormalizeUser(raw RawUser) UserRecord {
	isAdmin := raw.IsAdmin || raw.IsStaff || raw.Role == "admin"
	if !isAdmin {
		for _, g := range raw.Groups {
			if g == "admin" {
				isAdmin = true
				break
			}
		}
	}

	return UserRecord{
		ID:        raw.ID,
		Username:  raw.Username,
		Email:     raw.Email,
		FirstName: raw.FirstName,
		LastName:  raw.LastName,
		AvatarURL: raw.AvatarURL,
		IsAdmin:   isAdmin,
	}
}
