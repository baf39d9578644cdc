// Copyright 2019 - 2025 The Samply Community
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

package fhir

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	josejwk "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrAuthentication wraps a failed token acquisition or refresh (invalid
// signing key, token endpoint rejecting the assertion, and so on). It is
// fatal: commands exit 3 when they see one.
type ErrAuthentication struct {
	err error
}

// NewAuthenticationError wraps err as an ErrAuthentication.
func NewAuthenticationError(err error) *ErrAuthentication { return &ErrAuthentication{err: err} }

func (e *ErrAuthentication) Error() string { return "authentication failed: " + e.err.Error() }
func (e *ErrAuthentication) Unwrap() error { return e.err }

// TokenSource supplies bearer tokens to a Client. Token returns a currently
// valid access token, fetching or refreshing it as needed. Invalidate
// forces the next Token call to fetch a fresh token, used by the Client
// after a 401 response.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// BackendServicesAuth implements TokenSource for the SMART App Launch
// Backend Services flow (client_credentials grant with a signed JWT client
// assertion). Requests are authenticated against TokenURL
// using a JWT assertion signed with PrivateKey, identified to the server by
// ClientID and KeyID.
type BackendServicesAuth struct {
	httpClient *http.Client
	tokenURL   string
	clientID   string
	keyID      string
	privateKey any
	scope      string

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewBackendServicesAuth builds a TokenSource from a raw JWK private key
// document (as distributed by an EHR's app registration) using go-jose to
// decode the key material. keyID is the "kid" advertised in the
// corresponding JWKS published for the client, and is placed in the
// assertion's JOSE header so the server can pick the right verification
// key.
func NewBackendServicesAuth(httpClient *http.Client, tokenURL, clientID, keyID string, jwkJSON []byte, scope string) (*BackendServicesAuth, error) {
	var jwk josejwk.JSONWebKey
	if err := jwk.UnmarshalJSON(jwkJSON); err != nil {
		return nil, fmt.Errorf("parsing private key JWK: %w", err)
	}
	if !jwk.Valid() {
		return nil, fmt.Errorf("private key JWK %q failed validation", keyID)
	}
	return &BackendServicesAuth{
		httpClient: httpClient,
		tokenURL:   tokenURL,
		clientID:   clientID,
		keyID:      keyID,
		privateKey: jwk.Key,
		scope:      scope,
	}, nil
}

// Token returns a cached access token if it has more than 30 seconds of
// life left, otherwise performs the client_credentials exchange and caches
// the result.
func (a *BackendServicesAuth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && time.Until(a.expiresAt) > 30*time.Second {
		return a.token, nil
	}

	assertion, err := a.signAssertion()
	if err != nil {
		return "", &ErrAuthentication{err: fmt.Errorf("signing client assertion: %w", err)}
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {"urn:ietf:params:oauth:client-assertion-type:jwt-bearer"},
		"client_assertion":      {assertion},
	}
	if a.scope != "" {
		form.Set("scope", a.scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &ErrAuthentication{err: fmt.Errorf("building token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", &ErrAuthentication{err: fmt.Errorf("requesting access token: %w", err)}
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &ErrAuthentication{err: fmt.Errorf("decoding token response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ErrAuthentication{err: fmt.Errorf("token endpoint returned %d: %s: %s", resp.StatusCode, body.Error, body.ErrorDesc)}
	}
	if body.AccessToken == "" {
		return "", &ErrAuthentication{err: fmt.Errorf("token endpoint returned no access_token")}
	}

	a.token = body.AccessToken
	if body.ExpiresIn > 0 {
		a.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	} else {
		a.expiresAt = time.Now().Add(5 * time.Minute)
	}
	return a.token, nil
}

// Invalidate clears the cached token, forcing the next Token call to
// re-authenticate.
func (a *BackendServicesAuth) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = ""
	a.expiresAt = time.Time{}
}

// signAssertion builds and signs the short-lived JWT client assertion sent
// to the token endpoint, per SMART App Launch Backend Services: iss and sub
// are the client id, aud is the token endpoint, and jti is a fresh UUID
// guarding against replay.
func (a *BackendServicesAuth) signAssertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.clientID,
		Subject:   a.clientID,
		Audience:  jwt.ClaimStrings{a.tokenURL},
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}

	method := signingMethodFor(a.privateKey)
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = a.keyID

	return token.SignedString(a.privateKey)
}

func signingMethodFor(key any) jwt.SigningMethod {
	switch key.(type) {
	case *ecdsa.PrivateKey:
		return jwt.SigningMethodES384
	case *rsa.PrivateKey:
		return jwt.SigningMethodRS384
	default:
		return jwt.SigningMethodRS384
	}
}

// staticTokenSource is a TokenSource that always returns the same token,
// useful for servers authenticated with a long-lived bearer token instead
// of the backend-services flow.
type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) { return string(s), nil }
func (s staticTokenSource) Invalidate()                           {}

// StaticToken returns a TokenSource that always hands back token unchanged.
func StaticToken(token string) TokenSource { return staticTokenSource(token) }
