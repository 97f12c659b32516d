package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marketloop/providerkit/internal/transport"
)

// Backend is the wire-facing contract one concrete auth backend implements.
// Login-family calls return the raw response body because backends disagree
// on token shape; the manager normalizes before touching session state.
// Optional capabilities return NOT_SUPPORTED rather than being absent.
type Backend interface {
	Login(ctx context.Context, creds Credentials) ([]byte, error)
	Register(ctx context.Context, reg Registration) ([]byte, error)
	SocialLogin(ctx context.Context, creds SocialCredentials) ([]byte, error)
	RefreshToken(ctx context.Context, refreshToken string) ([]byte, error)
	GetCurrentUser(ctx context.Context, accessToken string) (*User, error)
	Logout(ctx context.Context, accessToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	RequestEmailVerification(ctx context.Context, email string) error
}

// restBackend drives the REST auth protocol over the shared HTTP transport.
type restBackend struct {
	client *transport.Client
}

// NewRESTBackend creates the REST auth backend.
func NewRESTBackend(client *transport.Client) Backend {
	return &restBackend{client: client}
}

func (b *restBackend) Login(ctx context.Context, creds Credentials) ([]byte, error) {
	return b.post(ctx, "auth/login", creds, "")
}

func (b *restBackend) Register(ctx context.Context, reg Registration) ([]byte, error) {
	return b.post(ctx, "auth/register", reg, "")
}

func (b *restBackend) SocialLogin(ctx context.Context, creds SocialCredentials) ([]byte, error) {
	return b.post(ctx, "auth/social", creds, "")
}

func (b *restBackend) RefreshToken(ctx context.Context, refreshToken string) ([]byte, error) {
	body := map[string]string{"refresh_token": refreshToken}
	return b.post(ctx, "auth/refresh", body, "")
}

func (b *restBackend) GetCurrentUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := b.client.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		Path:    "auth/me",
		Headers: bearer(accessToken),
	})
	if err != nil {
		return nil, err
	}
	data, err := transport.Unwrap(resp)
	if err != nil {
		return nil, err
	}

	var user User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parse current user: %w", err)
	}
	return &user, nil
}

func (b *restBackend) Logout(ctx context.Context, accessToken string) error {
	resp, err := b.client.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    "auth/logout",
		Headers: bearer(accessToken),
	})
	if err != nil {
		return err
	}
	_, err = transport.Unwrap(resp)
	return err
}

func (b *restBackend) RequestPasswordReset(ctx context.Context, email string) error {
	_, err := b.post(ctx, "auth/password-reset", map[string]string{"email": email}, "")
	return err
}

func (b *restBackend) RequestEmailVerification(ctx context.Context, email string) error {
	_, err := b.post(ctx, "auth/verify-email", map[string]string{"email": email}, "")
	return err
}

func (b *restBackend) post(ctx context.Context, path string, body interface{}, token string) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", path, err)
	}

	resp, err := b.client.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    data,
		Headers: bearer(token),
	})
	if err != nil {
		return nil, err
	}
	return transport.Unwrap(resp)
}

func bearer(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}
