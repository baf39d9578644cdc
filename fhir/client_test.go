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
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_withBearerAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		authHeader := req.Header.Get("Authorization")
		if authHeader != "Bearer the-token" {
			t.Errorf("unexpected Authorization header %q", authHeader)
		}
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL, WithAuth(StaticToken("the-token")))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.NoError(t, err)
}

func TestClient_withoutAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "" {
			t.Errorf("expected no Authorization header")
		}
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	require.NoError(t, err)
}

func TestClient_Get_retriesOn503(t *testing.T) {
	var attempts int
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		attempts++
		if attempts < 3 {
			res.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		res.WriteHeader(http.StatusOK)
		_, _ = res.Write([]byte(`{"resourceType":"Patient","id":"1"}`))
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL, WithRetryPolicy(RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))

	body, err := client.Get(context.Background(), baseURL, "")
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, string(body), `"Patient"`)
}

func TestClient_Stats_recordsBytesAndLatency(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusOK)
		_, _ = res.Write([]byte(`{"resourceType":"Patient","id":"1"}`))
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL)

	_, err := client.Get(context.Background(), baseURL, "")
	require.NoError(t, err)

	latency, bytesIn := client.Stats()
	assert.Equal(t, int64(len(`{"resourceType":"Patient","id":"1"}`)), bytesIn)
	assert.GreaterOrEqual(t, latency.Mean, time.Duration(0))
}

func TestClient_Get_notFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL)

	_, err := client.Get(context.Background(), baseURL, "")
	var notFound *ErrNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestClient_Get_gone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL)

	_, err := client.Get(context.Background(), baseURL, "")
	var gone *ErrGone
	require.ErrorAs(t, err, &gone)
}

func TestClient_reauthenticatesOn401(t *testing.T) {
	var tokenCalls, invalidations int
	ts := fakeTokenSource{
		token: func() string { tokenCalls++; return "tok" },
		invalidate: func() { invalidations++ },
	}

	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		requests++
		if requests == 1 {
			res.WriteHeader(http.StatusUnauthorized)
			return
		}
		res.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL, WithAuth(ts))

	_, err := client.Get(context.Background(), baseURL, "")
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	assert.Equal(t, 1, invalidations)
}

type fakeTokenSource struct {
	token      func() string
	invalidate func()
}

func (f fakeTokenSource) Token(context.Context) (string, error) { return f.token(), nil }
func (f fakeTokenSource) Invalidate()                           { f.invalidate() }

func TestNewClient(t *testing.T) {
	t.Run("BaseURL without path", func(t *testing.T) {
		parsedUrl, _ := url.ParseRequestURI("http://localhost:8080")
		client := NewClient(*parsedUrl)

		assert.Empty(t, client.baseURL.Path)
	})

	t.Run("BaseURL with path ending without slash", func(t *testing.T) {
		parsedUrl, _ := url.ParseRequestURI("http://localhost:8080/some-path")
		client := NewClient(*parsedUrl)

		assert.NotEmpty(t, client.baseURL.Path)
		assert.True(t, strings.HasSuffix(client.baseURL.Path, "some-path"))
	})
}

func TestClient_ExpandPages(t *testing.T) {
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(res http.ResponseWriter, req *http.Request) {
		res.Header().Set("Content-Type", "application/fhir+json")
		if req.URL.Query().Get("page") == "2" {
			_, _ = res.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"resourceType":"Patient","id":"2"}}]}`))
			return
		}
		_, _ = res.Write([]byte(`{"resourceType":"Bundle","type":"searchset","entry":[{"resource":{"resourceType":"Patient","id":"1"}}],"link":[{"relation":"next","url":"` + serverURL + `/Patient?page=2"}]}`))
	}))
	defer server.Close()
	serverURL = server.URL

	baseURL, _ := url.ParseRequestURI(server.URL)
	client := NewClient(*baseURL)
	req, _ := client.NewSearchTypeRequest(context.Background(), "Patient", url.Values{})

	out := make(chan DownloadBundle)
	go client.ExpandPages(context.Background(), req, out)

	var pages int
	var total int
	for page := range out {
		require.NoError(t, page.Err)
		pages++
		total += len(page.Entries)
	}
	assert.Equal(t, 2, pages)
	assert.Equal(t, 2, total)
}
