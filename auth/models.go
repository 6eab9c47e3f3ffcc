package auth

import "time"

// Identity is the verified content of a platform-issued session token.
// Holding an Identity is proof that Verify succeeded for the current request.
type Identity struct {
	Issuer    string
	Subject   string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// Shop returns the shop domain the token was issued for, when the platform includes it.
func (i Identity) Shop() string {
	if dest, ok := i.Claims["dest"].(string); ok {
		return dest
	}
	return ""
}
