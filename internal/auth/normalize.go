package auth

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

// normalizeSession converts a raw auth response into the canonical Session.
// Backends disagree on shape: some nest tokens under "tokens", others put
// "token"/"accessToken"/"access_token" at the top level. Downstream session
// logic never sees the difference.
func normalizeSession(raw []byte) (*Session, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid auth response")
	}
	doc := gjson.ParseBytes(raw)

	var tokens Tokens
	if t := doc.Get("tokens"); t.Exists() {
		tokens.Access = firstString(t, "access", "accessToken", "access_token", "token")
		tokens.Refresh = firstString(t, "refresh", "refreshToken", "refresh_token")
		tokens.ExpiresIn = firstInt(t, "expiresIn", "expires_in")
	} else {
		tokens.Access = firstString(doc, "token", "accessToken", "access_token")
		tokens.Refresh = firstString(doc, "refreshToken", "refresh_token")
		tokens.ExpiresIn = firstInt(doc, "expiresIn", "expires_in")
	}

	if tokens.Access == "" {
		return nil, fmt.Errorf("auth response carries no access token")
	}
	if tokens.ExpiresIn == 0 {
		tokens.ExpiresIn = expiryFromJWT(tokens.Access)
	}

	var user *User
	if u := doc.Get("user"); u.Exists() {
		user = &User{}
		if err := json.Unmarshal([]byte(u.Raw), user); err != nil {
			return nil, fmt.Errorf("parse user: %w", err)
		}
	}

	return &Session{User: user, Tokens: tokens}, nil
}

func firstString(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstInt(doc gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() && v.Int() > 0 {
			return v.Int()
		}
	}
	return 0
}

// expiryFromJWT derives a remaining lifetime from the token's exp claim when
// the backend did not report expires_in. The signature is not verified; the
// claim only drives refresh scheduling, never trust decisions.
func expiryFromJWT(token string) int64 {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	remaining := time.Until(exp.Time)
	if remaining <= 0 {
		return 0
	}
	return int64(remaining.Seconds())
}
