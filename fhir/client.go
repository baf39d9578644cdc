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
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirharvest/fhirharvest/util"
)

const fhirJson = "application/fhir+json"

// Per-request deadlines: buffered requests made through Get, Post and
// Delete, such as searches, get the shorter bound, Stream's long NDJSON
// file downloads the longer one. Both are overridable via WithTimeouts.
// Requests sent through Do carry no deadline of their own; the bulk
// exporter's status poll sets its own 5-minute bound.
const (
	defaultRequestTimeout = 5 * time.Minute
	defaultStreamTimeout  = 30 * time.Minute
)

// A Client is a FHIR client which combines an HTTP client with the base URL
// of a FHIR server, an optional SMART backend-services TokenSource, and a
// RetryPolicy. At minimum the base URL has to be set; everything else has a
// usable zero value.
type Client struct {
	httpClient     http.Client
	baseURL        url.URL
	auth           TokenSource
	retry          RetryPolicy
	requestTimeout time.Duration
	streamTimeout  time.Duration

	statsMu   sync.Mutex
	durations []float64
	bytesIn   int64
}

// Stats summarizes every request this Client has completed so far: latency
// percentiles (util.DurationStatistics, backed by gonum's percentile math)
// and total bytes read, feeding the run summary the Supervisor reports on
// exit.
func (c *Client) Stats() (util.DurationStatistics, int64) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	durations := append([]float64(nil), c.durations...)
	return util.CalculateDurationStatistics(durations), c.bytesIn
}

func (c *Client) recordRequest(elapsed time.Duration, bytes int) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	c.durations = append(c.durations, elapsed.Seconds())
	c.bytesIn += int64(bytes)
}

// Option configures a Client constructed by NewClient.
type Option func(*Client)

// WithAuth attaches a TokenSource used to bearer-authenticate every
// request. If unset, the Client proceeds unauthenticated.
func WithAuth(ts TokenSource) Option {
	return func(c *Client) { c.auth = ts }
}

// WithRetryPolicy overrides the default RetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithTimeouts overrides the per-request and per-stream deadlines.
func WithTimeouts(request, stream time.Duration) Option {
	return func(c *Client) {
		c.requestTimeout = request
		c.streamTimeout = stream
	}
}

// WithInsecureSkipVerify disables TLS certificate verification. Use with
// great caution as it opens up man-in-the-middle attacks.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		t := c.httpClient.Transport.(*http.Transport)
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true
	}
}

// NewClient creates a new Client with the given base URL.
func NewClient(baseURL url.URL, opts ...Option) *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 100
	t.MaxIdleConnsPerHost = 100

	c := &Client{
		httpClient:     http.Client{Transport: t},
		baseURL:        baseURL,
		retry:          DefaultRetryPolicy,
		requestTimeout: defaultRequestTimeout,
		streamTimeout:  defaultStreamTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL this client talks to.
func (c *Client) BaseURL() url.URL { return c.baseURL }

// CloseIdleConnections calls CloseIdleConnections on the underlying HTTP
// client.
func (c *Client) CloseIdleConnections() { c.httpClient.CloseIdleConnections() }

// Get performs an authenticated, retried GET against u and returns the raw
// response body. 2xx succeeds, 404 surfaces ErrNotFound, 410 surfaces
// ErrGone, other 4xx surfaces ErrFatalStatus, and 5xx/429/connection
// errors are retried up to the RetryPolicy's MaxAttempts.
func (c *Client) Get(ctx context.Context, u *url.URL, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if accept == "" {
		accept = fhirJson
	}
	req.Header.Set("Accept", accept)
	return c.doWithRetry(req)
}

// Post performs an authenticated POST against u with the given body and
// content type, retrying on 401 only (POST bodies for kickoff/search are
// not blanket-retried on 5xx to avoid duplicate side effects; callers that
// need retried GET-like semantics use Get).
func (c *Client) Post(ctx context.Context, u *url.URL, contentType string, body []byte) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), newBodyReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", fhirJson)
	resp, respBody, err := c.doOnce(req)
	if err != nil {
		return nil, nil, err
	}
	return respBody, resp, nil
}

// Delete performs an authenticated DELETE against u. Errors are returned
// but never retried — DELETE is used for best-effort bulk-export status
// cleanup where the caller records but does not fail on error.
func (c *Client) Delete(ctx context.Context, u *url.URL) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), nil)
	if err != nil {
		return err
	}
	resp, _, err := c.doOnce(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("DELETE %s: unexpected status %d", u, resp.StatusCode)
	}
	return nil
}

// Do sends req as-is, bearer-authenticating it first if a TokenSource is
// configured. Exposed for callers (e.g. the bulk exporter's status poll)
// that need direct access to response headers such as Retry-After.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.auth != nil {
		token, err := c.auth.Token(req.Context())
		if err != nil {
			return nil, fmt.Errorf("obtaining access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.httpClient.Do(req)
}

func newBodyReader(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return &byteReader{b: body}
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// doOnce issues req exactly once under the Client's request timeout,
// re-authenticating and retrying a single time on 401.
func (c *Client) doOnce(req *http.Request) (*http.Response, []byte, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.requestTimeout)
	defer cancel()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return nil, nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
		resp.Body.Close()
		c.auth.Invalidate()
		resp, err = c.Do(req)
		if err != nil {
			return nil, nil, err
		}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("reading response body: %w", err)
	}
	c.recordRequest(time.Since(start), len(body))
	return resp, body, nil
}

// doWithRetry issues req, retrying on connection errors, 429 and 5xx per
// the Client's RetryPolicy, honoring Retry-After, and translating terminal
// non-2xx statuses into the sentinel errors in errors.go.
func (c *Client) doWithRetry(req *http.Request) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		resp, body, err := c.doOnce(req.Clone(req.Context()))
		if err != nil {
			lastErr = err
			if !sleepBackoff(req.Context(), c.retry, attempt, 0) {
				return nil, lastErr
			}
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			lastErr = fmt.Errorf("request to %s: status %d", req.URL, resp.StatusCode)
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if !sleepBackoff(req.Context(), c.retry, attempt, retryAfter) {
				return nil, lastErr
			}
			continue
		case resp.StatusCode == http.StatusGone:
			return nil, &ErrGone{URL: req.URL.String()}
		case resp.StatusCode == http.StatusNotFound:
			return nil, &ErrNotFound{URL: req.URL.String()}
		default:
			outcome, _ := fm.UnmarshalOperationOutcome(body)
			return nil, &ErrFatalStatus{URL: req.URL.String(), StatusCode: resp.StatusCode, Outcome: &outcome}
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts against %s: %w", c.retry.MaxAttempts, req.URL, lastErr)
}

// NewSearchTypeRequest builds a GET search-type request for resourceType
// with the given FHIR search query.
func (c *Client) NewSearchTypeRequest(ctx context.Context, resourceType ResourceType, query url.Values) (*http.Request, error) {
	u := c.baseURL.JoinPath(string(resourceType))
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", fhirJson)
	return req, nil
}

// NewPaginatedRequest builds a GET request for a pagination link URL
// received from a prior bundle response.
func (c *Client) NewPaginatedRequest(ctx context.Context, pageURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", fhirJson)
	return req, nil
}

// DownloadBundle describes the result of downloading a single page of a
// search-set or history bundle, reused across both crawl search fan-out
// (4.G) and ad-hoc single-type download (cmd/single.go).
type DownloadBundle struct {
	RequestURL string
	Entries    []BundleEntry
	Err        error
}

// ExpandPages issues req and every subsequent page reachable via
// link[rel=next], streaming each page to out as soon as it is parsed, with
// no whole-result buffering. Closes out when done.
func (c *Client) ExpandPages(ctx context.Context, req *http.Request, out chan<- DownloadBundle) {
	defer close(out)

	for req != nil {
		body, err := c.doWithRetry(req.WithContext(ctx))
		if err != nil {
			out <- DownloadBundle{RequestURL: req.URL.String(), Err: err}
			return
		}

		bundle, err := ParseBundle(body)
		if err != nil {
			out <- DownloadBundle{RequestURL: req.URL.String(), Err: err}
			return
		}

		select {
		case out <- DownloadBundle{RequestURL: req.URL.String(), Entries: bundle.Entry}:
		case <-ctx.Done():
			return
		}

		next := bundle.NextPageURL()
		if next == "" {
			return
		}
		req, err = c.NewPaginatedRequest(ctx, next)
		if err != nil {
			out <- DownloadBundle{RequestURL: next, Err: err}
			return
		}
	}
}

// countingReadCloser wraps a Stream response body so that the bytes the
// caller actually reads and the time until it closes the stream count
// toward the Client's Stats, even though Stream itself never buffers the
// body.
type countingReadCloser struct {
	io.ReadCloser
	started time.Time
	client  *Client
	cancel  context.CancelFunc
	n       int64
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *countingReadCloser) Close() error {
	r.client.recordRequest(time.Since(r.started), int(r.n))
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

// Stream performs an authenticated, retried GET against u and returns the
// live response body for the caller to read incrementally. Unlike Get, the body is not buffered into
// memory — callers (the bulk exporter downloading potentially
// gigabyte-sized NDJSON files) read and close it themselves. Retries only
// cover establishing the response; once the caller starts reading, a
// connection error surfaces as a read error rather than a fresh attempt.
func (c *Client) Stream(ctx context.Context, u *url.URL, accept string) (io.ReadCloser, error) {
	if accept == "" {
		accept = "application/fhir+ndjson"
	}
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
		req, err := http.NewRequestWithContext(sctx, http.MethodGet, u.String(), nil)
		if err != nil {
			cancel()
			return nil, err
		}
		req.Header.Set("Accept", accept)

		resp, err := c.Do(req)
		if err != nil {
			cancel()
			lastErr = err
			if !sleepBackoff(ctx, c.retry, attempt, 0) {
				return nil, lastErr
			}
			continue
		}
		if resp.StatusCode == http.StatusUnauthorized && c.auth != nil {
			resp.Body.Close()
			cancel()
			c.auth.Invalidate()
			continue
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return &countingReadCloser{ReadCloser: resp.Body, started: start, client: c, cancel: cancel}, nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("streaming %s: status %d", u, resp.StatusCode)
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			if !sleepBackoff(ctx, c.retry, attempt, retryAfter) {
				return nil, lastErr
			}
			continue
		case resp.StatusCode == http.StatusGone:
			resp.Body.Close()
			cancel()
			return nil, &ErrGone{URL: u.String()}
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			cancel()
			return nil, &ErrNotFound{URL: u.String()}
		default:
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			outcome, _ := fm.UnmarshalOperationOutcome(body)
			return nil, &ErrFatalStatus{URL: u.String(), StatusCode: resp.StatusCode, Outcome: &outcome}
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts streaming %s: %w", c.retry.MaxAttempts, u, lastErr)
}

// ReadCapabilityStatement reads and unmarshals a capability statement body.
func ReadCapabilityStatement(body []byte) (CapabilityStatement, error) {
	var cs CapabilityStatement
	if err := json.Unmarshal(body, &cs); err != nil {
		return CapabilityStatement{}, err
	}
	return cs, nil
}

// FetchCapabilityStatement retrieves and parses the server's capability
// statement, used by the Supervisor (4.I) to choose bulk vs. crawl mode and
// to decide the default SinceMode.
func (c *Client) FetchCapabilityStatement(ctx context.Context) (CapabilityStatement, error) {
	body, err := c.Get(ctx, c.baseURL.JoinPath("metadata"), fhirJson)
	if err != nil {
		return CapabilityStatement{}, err
	}
	return ReadCapabilityStatement(body)
}
