// Package auth verifies the two inbound credentials the core accepts:
// bearer JWTs on read endpoints (issued by the external auth service) and
// HMAC-SHA256 signatures on webhook payloads.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity extracted from a bearer token.
type Claims struct {
	UserID string
	Email  string
	Role   string
}

// Verifier validates tokens and signatures against the configured secrets.
type Verifier struct {
	jwtSecret  []byte
	hmacSecret []byte
}

// NewVerifier builds a verifier. An empty hmacSecret disables webhook
// signature checks; the signature is optional hardening, not a gate.
func NewVerifier(jwtSecret, hmacSecret string) *Verifier {
	return &Verifier{jwtSecret: []byte(jwtSecret), hmacSecret: []byte(hmacSecret)}
}

// HMACEnabled reports whether webhook signatures are being enforced.
func (v *Verifier) HMACEnabled() bool {
	return len(v.hmacSecret) > 0
}

// VerifyToken parses an Authorization header value ("Bearer <token>") and
// returns the claims, or an error for missing/expired/forged tokens.
func (v *Verifier) VerifyToken(authHeader string) (*Claims, error) {
	raw, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || raw == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.UserID = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		out.Role = role
	}
	return out, nil
}

// VerifyHMAC recomputes HMAC-SHA256 over the raw request body and compares
// it against the hex digest from the signature header in constant time.
func (v *Verifier) VerifyHMAC(rawBody []byte, signatureHex string) bool {
	if !v.HMACEnabled() {
		return true
	}
	mac := hmac.New(sha256.New, v.hmacSecret)
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signatureHex))))
}
