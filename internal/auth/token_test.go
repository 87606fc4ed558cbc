package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T, now time.Time) *Authority {
	t.Helper()
	a, err := NewAuthority("s3cret")
	require.NoError(t, err)
	a.now = func() time.Time { return now }
	return a
}

func TestNewAuthority_RequiresSecret(t *testing.T) {
	_, err := NewAuthority("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestIssueAndValidate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, now)

	token, err := a.Issue("camera-01", time.Hour)
	require.NoError(t, err)

	claims, err := a.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "camera-01", claims.Subject)
	assert.Equal(t, "ferry", claims.Issuer)
	assert.Equal(t, now.Add(time.Hour), claims.ExpiresAt.Time)

	assert.Equal(t, "camera-01", Subject(token))
}

func TestValidate_Rejects(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := newTestAuthority(t, now)

	valid, err := a.Issue("s", time.Minute)
	require.NoError(t, err)

	expired := func() string {
		past := newTestAuthority(t, now.Add(-time.Hour))
		token, err := past.Issue("s", time.Minute)
		require.NoError(t, err)
		return token
	}()

	otherSecret := func() string {
		other, err := NewAuthority("different")
		require.NoError(t, err)
		other.now = a.now
		token, err := other.Issue("s", time.Minute)
		require.NoError(t, err)
		return token
	}()

	noExpiry := func() string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Issuer:  "ferry",
			Subject: "s",
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return token
	}()

	wrongAlg := func() string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
			Issuer:    "ferry",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)
		return token
	}()

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "", want: ErrMissingToken},
		{name: "garbage", token: "not.a.jwt", want: ErrInvalidToken},
		{name: "expired", token: expired, want: ErrInvalidToken},
		{name: "other secret", token: otherSecret, want: ErrInvalidToken},
		{name: "no expiry", token: noExpiry, want: ErrInvalidToken},
		{name: "wrong algorithm", token: wrongAlg, want: ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Validate(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = a.Validate(valid)
	assert.NoError(t, err)
}

func TestIssue_RejectsNonPositiveTTL(t *testing.T) {
	a := newTestAuthority(t, time.Now())
	_, err := a.Issue("s", 0)
	assert.Error(t, err)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", FromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, FromRequest(r))
}

func TestSubject_Garbage(t *testing.T) {
	assert.Empty(t, Subject("garbage"))
}
