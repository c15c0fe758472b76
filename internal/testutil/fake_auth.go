package testutil

import (
	"context"
	"net/http"
	"time"

	proxy "github.com/opendum/opendum/internal"
)

// FakeAuth always authenticates successfully as an admin key.
type FakeAuth struct{}

// Authenticate returns a test admin key.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*proxy.APIKey, error) {
	return &proxy.APIKey{
		ID:          "key-test",
		UserID:      "user-test",
		Name:        "test",
		Role:        proxy.RoleAdmin,
		ModelAccess: proxy.ModelAccessAll,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// MemberAuth authenticates as a non-admin key with the given model policy.
type MemberAuth struct {
	ModelAccess string
	ModelList   []string
}

// Authenticate returns a member key honoring the configured model policy.
func (m MemberAuth) Authenticate(_ context.Context, _ *http.Request) (*proxy.APIKey, error) {
	access := m.ModelAccess
	if access == "" {
		access = proxy.ModelAccessAll
	}
	return &proxy.APIKey{
		ID:          "key-member",
		UserID:      "user-test",
		Name:        "member",
		Role:        proxy.RoleMember,
		ModelAccess: access,
		ModelList:   m.ModelList,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*proxy.APIKey, error) {
	return nil, proxy.ErrUnauthorized
}
