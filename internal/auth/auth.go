// Copyright 2026 The Labmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth verifies the bearer tokens issued by the hosted identity
// provider and derives the caller's owner identity from them.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken means the token failed verification.
	ErrInvalidToken = errors.New("invalid bearer token")
	// ErrForbidden means the token is valid but lacks the required role.
	ErrForbidden = errors.New("insufficient role")
)

// Claims is the token payload. Role follows the hosted provider's
// convention of "authenticated" for signed-in users.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// Principal is the verified caller.
type Principal struct {
	Subject string
	Role    string
	Email   string
}

// Config configures token verification.
type Config struct {
	Secret       string
	Issuer       string
	Audience     string
	RequiredRole string
	Leeway       time.Duration
}

// Verifier checks HS256 bearer tokens.
type Verifier struct {
	secret       []byte
	requiredRole string
	opts         []jwtlib.ParserOption
}

// NewVerifier creates a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	return &Verifier{
		secret:       []byte(cfg.Secret),
		requiredRole: cfg.RequiredRole,
		opts:         opts,
	}, nil
}

// Verify parses token and returns the principal it names.
func (v *Verifier) Verify(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(*jwtlib.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if v.requiredRole != "" && claims.Role != v.requiredRole {
		return nil, fmt.Errorf("%w: role %q", ErrForbidden, claims.Role)
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role, Email: claims.Email}, nil
}

// IssueOptions describes a token to mint.
type IssueOptions struct {
	Subject  string
	Role     string
	Email    string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Issue signs an HS256 token. It backs the operator token command and tests.
func Issue(secret string, opts IssueOptions) (string, error) {
	if secret == "" {
		return "", errors.New("auth: secret is required")
	}
	if opts.Subject == "" {
		return "", errors.New("auth: subject is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	now := time.Now()
	claims := Claims{
		Role:  opts.Role,
		Email: opts.Email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   opts.Subject,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(opts.TTL)),
		},
	}
	if opts.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{opts.Audience}
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", ErrMissingToken
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return parts[1], nil
}
