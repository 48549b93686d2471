/*
Package user defines the identity of a chat participant as seen by the realtime layer.

Users are owned by the account collaborator; this subsystem treats them as immutable.
*/
package user

// User represents the basic identity information of a chat participant.
type User struct {
	// ID is the unique account identifier.
	ID string `json:"id"`

	// DisplayName is the name shown next to messages and typing indicators.
	DisplayName string `json:"displayName"`

	// Avatar is an optional avatar reference.
	Avatar string `json:"avatar,omitempty"`
}

// Account is a User plus the credentials the account collaborator stores for it.
type Account struct {
	User
	Username     string
	PasswordHash string
}
