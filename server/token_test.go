package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeTokenRoundTrip(t *testing.T) {
	tokens := NewResumeTokens("test-secret")

	token, err := tokens.Issue("u1")
	require.NoError(t, err)

	userID, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestResumeTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewResumeTokens("secret-a").Issue("u1")
	require.NoError(t, err)

	_, err = NewResumeTokens("secret-b").Verify(token)
	assert.Error(t, err)
}

func TestResumeTokenRejectsGarbage(t *testing.T) {
	_, err := NewResumeTokens("secret").Verify("not.a.token")
	assert.Error(t, err)
}

func TestIdentifyMintsAndHonoursCookie(t *testing.T) {
	tokens := NewResumeTokens("secret")

	// first visit: a new identity and a cookie to hand back
	r := httptest.NewRequest("GET", "/share", nil)
	userID, cookie := tokens.Identify(r)
	require.NotEmpty(t, userID)
	require.NotNil(t, cookie)
	assert.Equal(t, resumeCookieName, cookie.Name)

	// reconnect with the cookie: same identity, nothing new to set
	r2 := httptest.NewRequest("GET", "/share", nil)
	r2.AddCookie(cookie)
	again, cookie2 := tokens.Identify(r2)
	assert.Equal(t, userID, again)
	assert.Nil(t, cookie2)
}

func TestIdentifyIgnoresTamperedCookie(t *testing.T) {
	tokens := NewResumeTokens("secret")

	r := httptest.NewRequest("GET", "/share", nil)
	r.AddCookie(&http.Cookie{Name: resumeCookieName, Value: "tampered"})
	userID, cookie := tokens.Identify(r)
	assert.NotEmpty(t, userID, "tampered token falls back to a fresh identity")
	assert.NotNil(t, cookie, "fallback identity comes with a replacement cookie")
}

func TestRandomLengthAndCharset(t *testing.T) {
	s := Random(16)
	require.Len(t, s, 16)
	assert.NotEqual(t, s, Random(16))
}
