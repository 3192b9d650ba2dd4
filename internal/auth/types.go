package auth

type Role string

const (
	RoleAdmin Role = "admin"
	RoleSuper Role = "superadmin"
)

type Claims struct {
	Sub       string `json:"sub"` // admin ID / username
	Roles     []Role `json:"roles"`
	TwoFA     bool   `json:"tfa"`
	TokenID   string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}
