package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visionchat/internal/app/user"
)

const testSecret = "test-secret"

func TestGenerateAndParseToken(t *testing.T) {
	u := user.User{ID: "u-1", DisplayName: "Ada"}

	token, err := GenerateToken(PayloadFor(u), testSecret, time.Minute)
	require.NoError(t, err)

	payload, err := ParseToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, u, payload.User())
	assert.Equal(t, TokenIssuer, payload.Issuer)
}

func TestParseTokenRejectsWrongSecretAndExpiry(t *testing.T) {
	token, err := GenerateToken(PayloadFor(user.User{ID: "u-1"}), testSecret, time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, "other-secret")
	assert.Error(t, err)

	expired, err := GenerateToken(PayloadFor(user.User{ID: "u-1"}), testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(expired, testSecret)
	assert.Error(t, err)
}

func TestMiddlewareReadsHeaderAndQuery(t *testing.T) {
	token, err := GenerateToken(PayloadFor(user.User{ID: "u-7", DisplayName: "Grace"}), testSecret, time.Minute)
	require.NoError(t, err)

	var seen *Payload
	h := IdentityExtractorMiddleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetPayloadFromContext(r)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, seen)
	assert.Equal(t, "u-7", seen.ID)

	seen = nil
	r = httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, seen)
	assert.Equal(t, "Grace", seen.DisplayName)

	seen = nil
	r = httptest.NewRequest(http.MethodGet, "/ws?token=garbage", nil)
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Nil(t, seen)
}

func TestRequireIdentity(t *testing.T) {
	h := IdentityExtractorMiddleware(testSecret)(RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
