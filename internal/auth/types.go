// Package auth implements the authenticated-session state machine: login,
// registration, durable persistence, proactive token refresh, and auth-state
// fan-out to listeners.
package auth

import "time"

// Status is the session state.
type Status string

const (
	StatusLoading         Status = "loading"
	StatusAuthenticated   Status = "authenticated"
	StatusUnauthenticated Status = "unauthenticated"
)

// User is the authenticated identity, normalized across backends.
type User struct {
	ID        string                 `json:"id"`
	Email     string                 `json:"email,omitempty"`
	Name      string                 `json:"name,omitempty"`
	AvatarURL string                 `json:"avatar_url,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Tokens is the canonical token shape. Backends that return flat token
// fields are normalized into this before any session state is touched.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
	// ExpiresIn is the access token lifetime in seconds; zero when the
	// backend did not report one and none could be derived.
	ExpiresIn int64 `json:"expires_in,omitempty"`
}

// Session pairs the identity with its tokens.
type Session struct {
	User   *User  `json:"user"`
	Tokens Tokens `json:"tokens"`
}

// Credentials for password login.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration for account creation.
type Registration struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Name     string                 `json:"name,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SocialCredentials for third-party identity login.
type SocialCredentials struct {
	Provider    string `json:"provider"`
	IDToken     string `json:"id_token,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

// Config holds the refresh scheduling knobs.
type Config struct {
	// SafetyMargin is how long before expiry the proactive refresh fires.
	SafetyMargin time.Duration
	// MinRefreshDelay floors the computed delay.
	MinRefreshDelay time.Duration
}

// Persisted storage keys. Absence of KeyAccessToken is the sole
// "no session" signal at initialize time.
const (
	KeyAccessToken  = "auth:access_token"
	KeyRefreshToken = "auth:refresh_token"
	KeyUserProfile  = "auth:user"
)
