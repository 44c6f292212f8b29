package server

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	resumeCookieName = "via_identity"
	resumeTokenTTL   = 30 * 24 * time.Hour
)

var alphanum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Random generates an i length alphanum string
func Random(i int) string {
	bytes := make([]byte, i)
	rand.Read(bytes)
	for i, b := range bytes {
		bytes[i] = alphanum[b%byte(len(alphanum))]
	}
	return string(bytes)
}

// RandomSecret generates a throwaway token signing secret
func RandomSecret() string {
	return Random(32)
}

// ResumeTokens issues and verifies the signed identity a client presents
// when reconnecting. A reconnect gets a fresh session id but keeps the
// userID bound into the token, which is what keeps matching and colors
// stable for the same person across connections.
type ResumeTokens struct {
	secret []byte
}

// NewResumeTokens creates a token signer with the given secret
func NewResumeTokens(secret string) *ResumeTokens {
	return &ResumeTokens{secret: []byte(secret)}
}

// Issue signs a token carrying userID
func (t *ResumeTokens) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(resumeTokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify checks the token signature and returns the userID it carries
func (t *ResumeTokens) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || len(claims.Subject) == 0 {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// Identify retrieves the caller's stable userID from the resume cookie,
// minting a new identity when there is none or it fails verification. The
// returned cookie is non-nil only when a new identity was minted; the
// caller must deliver it on whatever response it writes. Headers set on a
// ResponseWriter are lost once a websocket upgrade hijacks the
// connection, so the cookie travels through the handshake header instead.
func (t *ResumeTokens) Identify(r *http.Request) (string, *http.Cookie) {
	if cookie, err := r.Cookie(resumeCookieName); err == nil && cookie.Value != "" {
		if userID, err := t.Verify(cookie.Value); err == nil {
			return userID, nil
		}
	}

	userID := uuid.New().String()
	token, err := t.Issue(userID)
	if err != nil {
		// identity still works for this connection, it just won't resume
		return userID, nil
	}

	return userID, &http.Cookie{
		Name:     resumeCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(resumeTokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
