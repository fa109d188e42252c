package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// OrgID scopes every call and topic; Role decides requester vs responder.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	OrgID     string    `json:"org_id"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}

// Identity is the verified caller as seen by the signaling core.
type Identity struct {
	UserID string
	OrgID  string
	Role   string
}
