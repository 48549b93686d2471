package jwt

import (
	"github.com/golang-jwt/jwt"

	"visionchat/internal/app/user"
)

// Payload defines the JWT claims issued to signed-in users.
type Payload struct {
	// StandardClaims embeds Exp, Iat and Iss.
	jwt.StandardClaims `json:"standard_claims"`

	// ID is the account identifier.
	ID string `json:"id"`

	// DisplayName is denormalized into the token so the realtime layer can label
	// typing events without a storage round trip.
	DisplayName string `json:"display_name"`

	// Avatar is an optional avatar reference.
	Avatar string `json:"avatar,omitempty"`
}

// User returns the identity carried by the token.
func (p *Payload) User() user.User {
	return user.User{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Avatar:      p.Avatar,
	}
}

// PayloadFor builds the claims for u.
func PayloadFor(u user.User) *Payload {
	return &Payload{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
	}
}
