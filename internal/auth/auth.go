// Package auth verifies connection tokens. Token issuance lives outside this
// service; the server only needs to check a presented token and learn which
// subject it belongs to.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned for unknown, expired, or malformed tokens.
var ErrInvalidToken = errors.New("auth: invalid token")

// Identity is the authenticated principal behind a connection.
type Identity struct {
	SubjectID string
	ProfileID string
}

// Verifier checks a bearer token and resolves its identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier authenticates against a fixed token table. Suitable for
// development and tests; production deployments plug in their own Verifier.
type StaticVerifier struct {
	tokens map[string]Identity
}

// NewStaticVerifier creates a verifier over a token → identity table.
func NewStaticVerifier(tokens map[string]Identity) *StaticVerifier {
	return &StaticVerifier{tokens: tokens}
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// AllowAll accepts every non-empty token, mapping it to an anonymous
// identity. Used when no verifier is configured.
type AllowAll struct{}

func (AllowAll) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{SubjectID: "anonymous"}, nil
}
