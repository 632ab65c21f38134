// Copyright 2026 Mira
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	TenantID       string
	OrganizationID string
	UserID         string
	Role           string
}

// Admin reports whether the caller may use admin-only endpoints.
func (id Identity) Admin() bool {
	return id.Role == "admin"
}

type identityKey struct{}

// IdentityFrom returns the authenticated identity stored on the request
// context, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// tokenClaims is the JWT payload issued by the platform's auth service.
type tokenClaims struct {
	TenantID       string `json:"tenant_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates bearer tokens and attaches the caller identity to
// the request context.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator verifying HMAC-signed tokens.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{secret: secret}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.authenticate(r)
		if err != nil {
			writeFault(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (Identity, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, NewFault(CodeUnauthenticated, "missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, NewFault(CodeUnauthenticated, "unexpected token signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, NewFault(CodeUnauthenticated, "invalid token")
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Identity{}, NewFault(CodeUnauthenticated, "token missing tenant or subject")
	}
	return Identity{
		TenantID:       claims.TenantID,
		OrganizationID: claims.OrganizationID,
		UserID:         claims.Subject,
		Role:           claims.Role,
	}, nil
}

// SQLAccessChecker answers CanUse from the assistant_users table. Users are
// allowed unless an explicit row disables them, so tenants do not have to
// enumerate every user up front.
type SQLAccessChecker struct {
	db *sql.DB
}

// NewSQLAccessChecker creates a checker over db.
func NewSQLAccessChecker(db *sql.DB) *SQLAccessChecker {
	return &SQLAccessChecker{db: db}
}

func (c *SQLAccessChecker) CanUse(ctx context.Context, tenantID, userID string) (bool, error) {
	var enabled bool
	err := c.db.QueryRowContext(ctx, `
		SELECT enabled FROM assistant_users WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}
