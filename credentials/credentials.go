package credentials

import (
	"strings"

	"github.com/pkg/errors"
)

// Role represents a user's role within the management product.
type Role string

const (
	RoleSuperAdmin   Role = "superadmin"    // Can manage all companies and players
	RoleCompanyAdmin Role = "company_admin" // Can manage users and players within a company
	RoleUser         Role = "user"          // Regular user within a company
)

// User is the identity attached to a credential triple.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	CompanyID string `json:"company_id,omitempty"`
}

// IsSuperAdmin reports whether the user may see data across companies.
func (u *User) IsSuperAdmin() bool {
	return u != nil && u.Role == RoleSuperAdmin
}

// Credentials is the authenticated session triple. RefreshToken may be
// empty; AccessToken and User are always set together.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	User         *User  `json:"user"`
}

// Validate enforces the store invariant: an access token is never
// persisted without its user.
func (c *Credentials) Validate() error {
	if c == nil {
		return errors.New("[Credentials.Validate] nil credentials")
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		return errors.New("[Credentials.Validate] missing access token")
	}
	if c.User == nil || c.User.ID == "" {
		return errors.New("[Credentials.Validate] access token without user")
	}
	return nil
}
