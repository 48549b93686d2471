/*
Package randx generates identifiers: UUID message, connection and idempotency keys,
and random display names for freshly registered accounts.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for generated display names.
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))
)

// UserID generates a new account identifier.
func UserID() string {
	return uuid.New().String()
}

// MessageID generates a UUID v4 message identifier.
func MessageID() string {
	return uuid.New().String()
}

// ConnectionID generates the handle for a live WebSocket connection.
func ConnectionID() string {
	return uuid.New().String()
}

// IdempotencyKey generates a client-side key for one logical message submission.
// Retries of the same submission must reuse it.
func IdempotencyKey() string {
	return uuid.New().String()
}

// IsValidID reports whether s is a canonical UUID string.
func IsValidID(s string) bool {
	parsed, err := uuid.Parse(s)
	return err == nil && parsed.String() == s
}

// DisplayName generates a random display name with a "User_" prefix and 6 random Base62 characters.
func DisplayName() (string, error) {
	const randomLength = 6
	result := make([]byte, randomLength)

	for i := range randomLength {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number for display name: %w", err)
		}
		result[i] = Base62Chars[num.Int64()]
	}

	return "User_" + string(result), nil
}
