// Package snapshot seals component state into tamper-evident tokens that a
// client can hold across reconnects and present back to the server.
//
// Snapshots are compact JWTs signed with HMAC-SHA256 under a server-held key.
// A token is accepted only while it is younger than the codec's freshness
// ceiling (one hour by default).
package snapshot

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultMaxAge is the freshness ceiling applied when none is configured.
const DefaultMaxAge = time.Hour

// issuer is stamped into every token and checked on verification.
const issuer = "livestate"

// futureSkew bounds how far in the future an issue time may lie.
const futureSkew = time.Minute

var (
	// ErrEmptyKey is returned when a codec is created without a signing key.
	ErrEmptyKey = errors.New("snapshot: empty signing key")

	// ErrInvalidSignature is returned when a token was not signed by this key
	// or uses an unexpected algorithm.
	ErrInvalidSignature = errors.New("snapshot: invalid signature")

	// ErrExpired is returned when a token is older than the freshness ceiling.
	ErrExpired = errors.New("snapshot: expired")

	// ErrMalformed is returned when a token cannot be parsed or lacks required claims.
	ErrMalformed = errors.New("snapshot: malformed")
)

// Snapshot is the attested content of a component at a point in time.
type Snapshot struct {
	ComponentName string
	State         map[string]any
	Room          string
	Owner         string
	IssuedAt      time.Time
}

type claims struct {
	State map[string]any `json:"state"`
	Room  string         `json:"room,omitempty"`
	Owner string         `json:"owner,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies snapshots.
type Codec struct {
	key    []byte
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxAge sets the freshness ceiling. Non-positive values are ignored.
func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.maxAge = d
		}
	}
}

// WithClock replaces the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec creates a Codec for the given key.
func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	c := &Codec{
		key:    append([]byte(nil), key...),
		maxAge: DefaultMaxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MaxAge returns the freshness ceiling.
func (c *Codec) MaxAge() time.Duration {
	return c.maxAge
}

// Sign seals s. A zero IssuedAt is replaced with the codec's current time.
func (c *Codec) Sign(s Snapshot) (string, error) {
	if s.ComponentName == "" {
		return "", fmt.Errorf("%w: component name required", ErrMalformed)
	}
	issuedAt := s.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		State: s.State,
		Room:  s.Room,
		Owner: s.Owner,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  s.ComponentName,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	})
	signed, err := token.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("snapshot: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and freshness of token and returns its content.
func (c *Codec) Verify(token string) (*Snapshot, error) {
	var cl claims
	_, err := jwt.ParseWithClaims(token, &cl,
		func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	if cl.Subject == "" || cl.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing claims", ErrMalformed)
	}

	issuedAt := cl.IssuedAt.Time
	age := c.now().Sub(issuedAt)
	if age > c.maxAge {
		return nil, fmt.Errorf("%w: issued %s ago", ErrExpired, age.Truncate(time.Second))
	}
	if age < -futureSkew {
		return nil, fmt.Errorf("%w: issued in the future", ErrMalformed)
	}

	return &Snapshot{
		ComponentName: cl.Subject,
		State:         cl.State,
		Room:          cl.Room,
		Owner:         cl.Owner,
		IssuedAt:      issuedAt,
	}, nil
}

// Reason maps a verification error to its wire-level rejection reason.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "malformed"
	}
}
