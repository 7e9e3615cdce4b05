package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tphummel/rocks_monitor/internal/apperr"
)

// DefaultSecret is the placeholder signing key shipped in the default config.
// It is refused in production.
const DefaultSecret = "change_me"

// Token types carried in the typ claim.
const (
	TokenTypeUser = "user"
	TokenTypePC   = "pc"
)

// Principal is the identity a verified token resolves to: either a
// UserSession or an AgentSession.
type Principal interface {
	Subject() int64
	TokenType() string
	isPrincipal()
}

// UserSession is an interactive login not bound to any machine.
type UserSession struct {
	UserID int64
}

func (s UserSession) Subject() int64    { return s.UserID }
func (s UserSession) TokenType() string { return TokenTypeUser }
func (UserSession) isPrincipal()        {}

// AgentSession is a desktop agent login bound to one machine.
type AgentSession struct {
	UserID      int64
	MAC         string
	MachineType string
}

func (s AgentSession) Subject() int64    { return s.UserID }
func (s AgentSession) TokenType() string { return TokenTypePC }
func (AgentSession) isPrincipal()        {}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Type        string `json:"typ"`
	MAC         string `json:"mac,omitempty"`
	MachineType string `json:"mtype,omitempty"`
}

// Principal converts validated claims into a Principal.
func (c *Claims) Principal() (Principal, error) {
	uid, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || uid <= 0 {
		return nil, fmt.Errorf("%w: bad subject %q", apperr.ErrTokenMalformed, c.Subject)
	}
	switch c.Type {
	case TokenTypeUser:
		return UserSession{UserID: uid}, nil
	case TokenTypePC:
		if c.MAC == "" {
			return nil, fmt.Errorf("%w: pc token without mac", apperr.ErrTokenMalformed)
		}
		return AgentSession{UserID: uid, MAC: c.MAC, MachineType: c.MachineType}, nil
	default:
		return nil, fmt.Errorf("%w: unknown token type %q", apperr.ErrTokenMalformed, c.Type)
	}
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Secret     string
	Algorithm  string
	Lifetime   time.Duration
	Production bool
}

// Issuer signs and verifies session tokens with an HMAC key.
type Issuer struct {
	secret     []byte
	method     jwt.SigningMethod
	lifetime   time.Duration
	production bool
}

var hmacMethods = map[string]jwt.SigningMethod{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// NewIssuer validates the algorithm and lifetime. The secret is checked when
// a token is issued or verified.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	method, ok := hmacMethods[cfg.Algorithm]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported JWT algorithm %q", apperr.ErrConfig, cfg.Algorithm)
	}
	if cfg.Lifetime <= 0 {
		return nil, fmt.Errorf("%w: token lifetime must be positive", apperr.ErrConfig)
	}
	return &Issuer{
		secret:     []byte(cfg.Secret),
		method:     method,
		lifetime:   cfg.Lifetime,
		production: cfg.Production,
	}, nil
}

// Lifetime returns how long issued tokens stay valid.
func (i *Issuer) Lifetime() time.Duration { return i.lifetime }

func (i *Issuer) checkSecret() error {
	if len(i.secret) == 0 {
		return fmt.Errorf("%w: JWT secret is empty", apperr.ErrConfig)
	}
	if i.production && string(i.secret) == DefaultSecret {
		return fmt.Errorf("%w: default JWT secret in production", apperr.ErrConfig)
	}
	return nil
}

// Issue signs a token for p. The token expires exactly one lifetime after
// now, truncated to the second.
func (i *Issuer) Issue(p Principal, now time.Time) (string, *Claims, error) {
	if err := i.checkSecret(); err != nil {
		return "", nil, err
	}
	iat := now.Truncate(time.Second)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(p.Subject(), 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(iat),
			ExpiresAt: jwt.NewNumericDate(iat.Add(i.lifetime)),
		},
		Type: p.TokenType(),
	}
	if a, ok := p.(AgentSession); ok {
		claims.MAC = a.MAC
		claims.MachineType = a.MachineType
	}

	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	return signed, claims, nil
}

// Verify checks the signature and expiry of token as of now. A token is
// expired once now reaches its exp claim.
func (i *Issuer) Verify(token string, now time.Time) (*Claims, error) {
	if err := i.checkSecret(); err != nil {
		return nil, err
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, apperr.ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %v", apperr.ErrTokenMalformed, err)
	}
	if _, err := claims.Principal(); err != nil {
		return nil, err
	}
	return claims, nil
}
