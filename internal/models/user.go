package models

// Role names carried in the JWT "role" claim.
const (
	RoleTeller  = "Teller"
	RoleAuditor = "Auditor"
)

// User is a demo principal allowed to request tokens.
type User struct {
	Username     string `json:"username" example:"auditor"`
	Role         string `json:"role" example:"Auditor"`
	PasswordHash string `json:"-"`
}

// TokenRequest is the body of the token endpoint
type TokenRequest struct {
	Username string `json:"username" validate:"required,max=100" example:"auditor"`
	Password string `json:"password" validate:"required,max=200" example:"auditor123"`
}

// TokenResponse carries a signed bearer token
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
