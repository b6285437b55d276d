package tcp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasscodeRequired = errors.New("passcode required")
	ErrInvalidPasscode  = errors.New("invalid passcode")
	ErrInvalidToken     = errors.New("invalid session token")
)

const sessionTokenType = "session"

// Gate decides whether a peer may join. A gate without a passcode admits
// everyone; otherwise the peer needs the passcode or a session token issued
// by an earlier accepted join.
type Gate struct {
	passcodeHash []byte
	secret       []byte
	ttl          time.Duration
}

// NewGate hashes the passcode. An empty secret is replaced by a random one,
// so tokens then only survive as long as the process.
func NewGate(passcode, secret string, ttl time.Duration) (*Gate, error) {
	g := &Gate{ttl: ttl}
	if g.ttl <= 0 {
		g.ttl = 24 * time.Hour
	}

	if passcode != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash passcode: %w", err)
		}
		g.passcodeHash = hash
	}

	if secret != "" {
		g.secret = []byte(secret)
	} else {
		g.secret = make([]byte, 32)
		if _, err := rand.Read(g.secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
	}
	return g, nil
}

// Protected reports whether joining needs a passcode.
func (g *Gate) Protected() bool {
	return len(g.passcodeHash) > 0
}

// Admit checks a join request's credentials. A valid token is preferred over
// the passcode.
func (g *Gate) Admit(passcode, token string) error {
	if !g.Protected() {
		return nil
	}
	if token != "" {
		if _, err := g.ValidateToken(token); err == nil {
			return nil
		}
		if passcode == "" {
			return ErrInvalidToken
		}
	}
	if passcode == "" {
		return ErrPasscodeRequired
	}
	if err := bcrypt.CompareHashAndPassword(g.passcodeHash, []byte(passcode)); err != nil {
		return ErrInvalidPasscode
	}
	return nil
}

// IssueToken signs a session token for peerID.
func (g *Gate) IssueToken(peerID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"peer_id": peerID,
		"exp":     now.Add(g.ttl).Unix(),
		"iat":     now.Unix(),
		"type":    sessionTokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(g.secret)
}

// ValidateToken returns the peer id the token was issued to.
func (g *Gate) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	if kind, _ := claims["type"].(string); kind != sessionTokenType {
		return "", fmt.Errorf("%w: wrong token type", ErrInvalidToken)
	}
	peerID, ok := claims["peer_id"].(string)
	if !ok {
		return "", fmt.Errorf("%w: peer_id claim is not a string", ErrInvalidToken)
	}
	return peerID, nil
}
