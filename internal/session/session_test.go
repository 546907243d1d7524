package session

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestIssueAndParse(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	m := NewManager(testKey, time.Hour, clk)

	token, err := m.Issue("user-1", "firm-a", true)
	require.NoError(t, err)

	claims, err := m.Parse(token, "firm-a")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.True(t, claims.Admin)

	_, err = m.Parse(token, "firm-b")
	assert.ErrorIs(t, err, ErrNamespaceMismatch)

	clk.Add(2 * time.Hour)
	_, err = m.Parse(token, "firm-a")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestParseRejectsForgedTokens(t *testing.T) {
	m := NewManager(testKey, time.Hour, nil)

	other := NewManager("another-key-another-key-another-key", time.Hour, nil)
	forged, err := other.Issue("user-1", "firm-a", false)
	require.NoError(t, err)
	_, err = m.Parse(forged, "firm-a")
	assert.ErrorIs(t, err, ErrInvalidSession)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Namespace: "firm-a"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = m.Parse(unsigned, "firm-a")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = m.Parse("garbage", "firm-a")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestCookies(t *testing.T) {
	m := NewManager(testKey, time.Hour, nil)
	c := m.Cookie("tok", true)
	assert.Equal(t, CookieName, c.Name)
	assert.Empty(t, c.Domain)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, 3600, c.MaxAge)

	assert.Equal(t, -1, ClearCookie(false).MaxAge)
}
