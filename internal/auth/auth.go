// Package auth decides whether an inbound connection may reach the session
// registry.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

// DefaultHeader carries the API key on the websocket upgrade request.
const DefaultHeader = "x-api-key"

// Authenticator validates a connection once, before registration.
type Authenticator interface {
	Authenticate(header http.Header, auth json.RawMessage) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(header http.Header, auth json.RawMessage) error

func (f AuthenticatorFunc) Authenticate(header http.Header, auth json.RawMessage) error {
	return f(header, auth)
}

// APIKeyAuthenticator compares a shared secret taken from a request header
// or from the "api_key" field of the CONNECT auth payload.
type APIKeyAuthenticator struct {
	header string
	secret []byte
}

// NewAPIKeyAuthenticator returns an authenticator for secret. An empty
// secret accepts every connection.
func NewAPIKeyAuthenticator(header, secret string) *APIKeyAuthenticator {
	if header == "" {
		header = DefaultHeader
	}
	return &APIKeyAuthenticator{header: header, secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (a *APIKeyAuthenticator) Enabled() bool {
	return len(a.secret) > 0
}

func (a *APIKeyAuthenticator) Authenticate(header http.Header, auth json.RawMessage) error {
	if !a.Enabled() {
		return nil
	}

	candidate := header.Get(a.header)
	if candidate == "" && len(auth) > 0 {
		var payload struct {
			APIKey string `json:"api_key"`
		}
		if err := json.Unmarshal(auth, &payload); err == nil {
			candidate = payload.APIKey
		}
	}
	if candidate == "" {
		return ErrMissingCredential
	}
	if subtle.ConstantTimeCompare([]byte(candidate), a.secret) != 1 {
		return ErrInvalidCredential
	}
	return nil
}
