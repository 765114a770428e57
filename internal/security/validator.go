package security

import (
	"crypto"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the IdP access-token claims the session API relies on.
type Claims struct {
	jwt.RegisteredClaims
	SessionID     string   `json:"sid,omitempty"`
	Permissions   []string `json:"permissions,omitempty"`
	Email         string   `json:"email,omitempty"`
	EmailVerified bool     `json:"email_verified,omitempty"`
	Name          string   `json:"name,omitempty"`
	Picture       string   `json:"picture,omitempty"`
}

// HasPermission reports whether the token grants perm.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Validator verifies IdP-issued access tokens (RS256 or ES256) against a public key,
// issuer and audience.
type Validator struct {
	publicKey crypto.PublicKey
	alg       string
	issuer    string
	audience  string
	leeway    time.Duration
}

// NewValidator returns a Validator for the given key. issuer and audience are required claims.
func NewValidator(publicKey crypto.PublicKey, issuer, audience string) (*Validator, error) {
	alg := KeyAlg(publicKey)
	if alg == "" {
		return nil, ErrInvalidKey
	}
	return &Validator{publicKey: publicKey, alg: alg, issuer: issuer, audience: audience, leeway: 30 * time.Second}, nil
}

// Validate parses and validates the token (signature, exp, iss, aud) and requires a subject.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{v.alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	}, opts...)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
