// Package auth signs and verifies room tokens presented to the relay.
//
// A token is `pst1.<claims>.<signature>`: base64url JSON claims and an
// HMAC-SHA256 over the prefix and claims.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pagesync/internal/util"
)

const tokenPrefix = "pst1"

// Claims identify a user for every room of one project.
type Claims struct {
	Sub      string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Project  string `json:"project"`
	JTI      string `json:"jti"`
	IssuedAt int64  `json:"iat"`
	Exp      int64  `json:"exp"`
}

func (c Claims) ExpiresAt() time.Time {
	return time.Unix(c.Exp, 0).UTC()
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrWrongProject = errors.New("token not valid for project")
	ErrNoSecret     = errors.New("token secret is empty")
)

type Signer struct {
	secret []byte
	// leeway tolerates clock skew between the api and the relay.
	leeway time.Duration
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, leeway: 30 * time.Second, now: time.Now}
}

// IssueRoomToken signs a token for userID valid on every room of projectID.
func (s *Signer) IssueRoomToken(projectID, userID, userName string, ttl time.Duration) (string, Claims, error) {
	now := s.now()
	claims := Claims{
		Sub:      userID,
		Name:     userName,
		Project:  projectID,
		JTI:      util.NewID("rt"),
		IssuedAt: now.Unix(),
		Exp:      now.Add(ttl).Unix(),
	}
	token, err := s.Sign(claims)
	if err != nil {
		return "", Claims{}, err
	}
	return token, claims, nil
}

func (s *Signer) Sign(claims Claims) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signed := tokenPrefix + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signed + "." + s.sign(signed), nil
}

func (s *Signer) Verify(token string) (Claims, error) {
	if len(s.secret) == 0 {
		return Claims{}, ErrNoSecret
	}
	cut := strings.LastIndexByte(token, '.')
	if cut < 0 {
		return Claims{}, ErrInvalidToken
	}
	signed, signature := token[:cut], token[cut+1:]
	prefix, payload, ok := strings.Cut(signed, ".")
	if !ok || prefix != tokenPrefix {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(s.sign(signed))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Project == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	now := s.now()
	if claims.IssuedAt > now.Add(s.leeway).Unix() {
		return Claims{}, ErrInvalidToken
	}
	if now.Add(-s.leeway).Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// VerifyRoomToken verifies token and checks it was issued for projectID.
func (s *Signer) VerifyRoomToken(token, projectID string) (Claims, error) {
	claims, err := s.Verify(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Project != projectID {
		return Claims{}, ErrWrongProject
	}
	return claims, nil
}

func (s *Signer) sign(signed string) string {
	sum := hmac.New(sha256.New, s.secret)
	_, _ = sum.Write([]byte(signed))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
