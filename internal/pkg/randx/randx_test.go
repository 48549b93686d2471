package randx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDsAreCanonicalAndDistinct(t *testing.T) {
	a, b := MessageID(), MessageID()

	assert.NotEqual(t, a, b)
	assert.True(t, IsValidID(a))
	assert.True(t, IsValidID(IdempotencyKey()))
	assert.False(t, IsValidID("not-a-uuid"))
	assert.False(t, IsValidID(strings.ToUpper(a)))
}

func TestDisplayName(t *testing.T) {
	name, err := DisplayName()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(name, "User_"))
	assert.Len(t, name, len("User_")+6)
}
