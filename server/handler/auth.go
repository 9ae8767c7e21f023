package handler

import (
	"crypto/subtle"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials holds the socket token table, the optional HS256 secret for
// signed session tokens, and the key guarding the internal endpoints. All
// of them can be swapped at runtime.
type Credentials struct {
	mu          sync.RWMutex
	tokens      map[string]int64
	jwtSecret   []byte
	internalKey string
}

func NewCredentials(tokens map[string]int64, internalKey string) *Credentials {
	c := &Credentials{}
	c.Replace(tokens, internalKey)
	return c
}

func (c *Credentials) Replace(tokens map[string]int64, internalKey string) {
	copied := make(map[string]int64, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}

	c.mu.Lock()
	c.tokens = copied
	c.internalKey = internalKey
	c.mu.Unlock()
}

// SetJWTSecret enables signed tokens. An empty secret disables them.
func (c *Credentials) SetJWTSecret(secret string) {
	c.mu.Lock()
	if secret == "" {
		c.jwtSecret = nil
	} else {
		c.jwtSecret = []byte(secret)
	}
	c.mu.Unlock()
}

// Authenticate resolves a socket token to a user id. Static tokens are
// checked first, then the token is tried as a signed JWT whose subject is
// the user id.
func (c *Credentials) Authenticate(token string) (int64, bool) {
	if token == "" {
		return 0, false
	}
	c.mu.RLock()
	id, ok := c.tokens[token]
	secret := c.jwtSecret
	c.mu.RUnlock()
	if ok {
		return id, true
	}
	if secret == nil {
		return 0, false
	}
	id, err := parseSessionToken(secret, token)
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseSessionToken(secret []byte, token string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}
	if !tok.Valid {
		return 0, fmt.Errorf("invalid token")
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid subject %q", claims.Subject)
	}
	return id, nil
}

// AllowInternal reports whether key opens the internal endpoints. With no
// key configured they are open.
func (c *Credentials) AllowInternal(key string) bool {
	c.mu.RLock()
	want := c.internalKey
	c.mu.RUnlock()
	if want == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(key)) == 1
}
