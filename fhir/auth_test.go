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
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"

	josejwk "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPrivateKeyJWK(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwk := josejwk.JSONWebKey{Key: key, KeyID: "test-key-1", Algorithm: "RS384", Use: "sig"}
	raw, err := jwk.MarshalJSON()
	require.NoError(t, err)
	return raw
}

func TestBackendServicesAuth_Token(t *testing.T) {
	jwkJSON := testPrivateKeyJWK(t)

	var seenAssertion string
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		assert.Equal(t, "client_credentials", req.PostForm.Get("grant_type"))
		assert.Equal(t, "urn:ietf:params:oauth:client-assertion-type:jwt-bearer", req.PostForm.Get("client_assertion_type"))
		seenAssertion = req.PostForm.Get("client_assertion")

		res.Header().Set("Content-Type", "application/json")
		_, _ = res.Write([]byte(`{"access_token":"abc123","token_type":"bearer","expires_in":300}`))
	}))
	defer server.Close()

	auth, err := NewBackendServicesAuth(server.Client(), server.URL, "my-client", "test-key-1", jwkJSON, "system/*.read")
	require.NoError(t, err)

	token, err := auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)
	require.NotEmpty(t, seenAssertion)

	parsed, _, err := jwt.NewParser().ParseUnverified(seenAssertion, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "my-client", claims["iss"])
	assert.Equal(t, "my-client", claims["sub"])
	assert.Equal(t, "test-key-1", parsed.Header["kid"])
}

func TestBackendServicesAuth_cachesToken(t *testing.T) {
	jwkJSON := testPrivateKeyJWK(t)

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		requests++
		res.Header().Set("Content-Type", "application/json")
		_, _ = res.Write([]byte(`{"access_token":"tok","expires_in":300}`))
	}))
	defer server.Close()

	auth, err := NewBackendServicesAuth(server.Client(), server.URL, "my-client", "test-key-1", jwkJSON, "")
	require.NoError(t, err)

	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requests)

	auth.Invalidate()
	_, err = auth.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
}

func TestStaticToken(t *testing.T) {
	ts := StaticToken("fixed")
	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)
	ts.Invalidate()
	token, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)
}
