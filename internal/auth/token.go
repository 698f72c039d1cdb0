// Package auth implements the signed token bridge between viewer clients,
// the collaboration server and the document backend.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// File permissions encoded in the "permissions" claim. The values match the
// sharing constants of the host CMS.
const (
	PermissionRead   = 1
	PermissionUpdate = 2
	PermissionCreate = 4
	PermissionDelete = 8
	PermissionShare  = 16
	PermissionAll    = 31
)

// Validity windows for the token kinds the server deals with.
const (
	BackendTokenTTL  = 5 * time.Minute
	SessionTokenTTL  = 24 * time.Hour
	DownloadTokenTTL = 5 * time.Minute
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("expired token")
	ErrMalformedToken = errors.New("malformed token")
)

// Claims carries the pdfdraw-specific claims next to the registered set.
// "file" identifies the document, "token" an optional share token that is
// forwarded to the backend on downloads. Permissions is a pointer so that
// old tokens without the claim stay distinguishable from zero permissions.
type Claims struct {
	File        string `json:"file,omitempty"`
	FileID      string `json:"fileId,omitempty"`
	FileName    string `json:"filename,omitempty"`
	DisplayName string `json:"displayname,omitempty"`
	Permissions *int   `json:"permissions,omitempty"`
	ShareToken  string `json:"token,omitempty"`
	jwt.RegisteredClaims
}

// MayUpdate reports whether the token grants edit access. Tokens issued
// before permissions were added carry no claim and are treated as read-only.
func (c Claims) MayUpdate() bool {
	if c.Permissions == nil {
		return false
	}
	return *c.Permissions&PermissionUpdate == PermissionUpdate
}

// Issue signs claims with the shared secret, expiring after ttl.
func Issue(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueBackend creates the short-lived service token used for calls from the
// collaboration server to the backend item API.
func IssueBackend(secret []byte, fileID string) (string, error) {
	return Issue(secret, Claims{
		File: fileID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "backend",
		},
	}, BackendTokenTTL)
}

// Verify checks signature and expiry and returns the embedded claims.
func Verify(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrExpiredToken
	case errors.Is(err, jwt.ErrTokenMalformed):
		return Claims{}, ErrMalformedToken
	default:
		return Claims{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// DocumentID returns the document the token was issued for. Session and
// backend tokens use the "file" claim, download tokens "fileId".
func (c Claims) DocumentID() string {
	if c.File != "" {
		return c.File
	}
	return c.FileID
}
