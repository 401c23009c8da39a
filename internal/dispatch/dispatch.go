// Package dispatch implements the Upstream Dispatcher (spec §4.8):
// authenticated POSTs against one of N internal base URLs, with
// endpoint failover, streaming passthrough, and upstream error
// classification.
//
// Grounded directly on
// internal/runtime/executor/antigravity_executor.go's Execute method:
// same ordered-endpoint-loop-with-fallback shape, same
// network-error/429/5xx -> try-next, 401/403 -> terminal classification,
// same read-body-then-classify flow. Streaming is grounded on the same
// file's ExecuteStream counterpart (bufio.Scanner over
// text/event-stream framing).
package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antigravity-bridge/proxy/internal/apierr"
)

const (
	generateContentPath       = ":generateContent"
	streamGenerateContentPath = ":streamGenerateContent?alt=sse"

	// maxErrorBodyPeek bounds how much of a still-open stream is read
	// while hunting for a structured error message (spec §4.8 "read up
	// to 512 KiB").
	maxErrorBodyPeek = 512 << 10
)

// Response is a buffered, non-streaming dispatch result.
type Response struct {
	Body    []byte
	Headers http.Header
	Status  int
}

// StreamResponse is a streaming dispatch result; the caller owns Body
// and must close it.
type StreamResponse struct {
	Body    io.ReadCloser
	Headers http.Header
	Status  int
}

// Dispatcher sends translated requests to the configured internal base
// URLs, failing over per spec §4.8's classification table.
type Dispatcher struct {
	client    *http.Client
	baseURLs  []string
	userAgent string
	timeout   time.Duration
}

// New builds a Dispatcher. baseURLs is used in order; trailing slashes
// are stripped (spec §4.8 "Endpoints"). proxyURL, if non-empty, routes
// all outbound calls through an HTTP(S) proxy (Config.UpstreamProxy),
// following the teacher's newProxyAwareHTTPClient idiom.
func New(baseURLs []string, userAgent string, timeout time.Duration, proxyURL string) (*Dispatcher, error) {
	cleaned := make([]string, 0, len(baseURLs))
	for _, u := range baseURLs {
		cleaned = append(cleaned, strings.TrimSuffix(u, "/"))
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("dispatch: parse upstream proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	return &Dispatcher{
		client:    &http.Client{Transport: transport},
		baseURLs:  cleaned,
		userAgent: userAgent,
		timeout:   timeout,
	}, nil
}

// outcome is what a single endpoint attempt tells the failover loop to
// do next (spec §4.8 "Failover rule").
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTryNext
	outcomeTerminal
)

func classify(statusCode int, networkErr error) outcome {
	if networkErr != nil {
		return outcomeTryNext
	}
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return outcomeSuccess
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return outcomeTerminal
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return outcomeTryNext
	default:
		return outcomeTerminal
	}
}

// Dispatch performs a non-streaming call, trying each base URL in order
// per the failover table. I7: never more than len(baseURLs) POSTs.
func (d *Dispatcher) Dispatch(ctx context.Context, token string, body []byte, extraHeaders map[string]string) (*Response, error) {
	if len(d.baseURLs) == 0 {
		return nil, apierr.New(apierr.CodeUpstreamUnavailable, apierr.HintNone, http.StatusServiceUnavailable, "no internal base urls configured")
	}

	var lastErr error
	for idx, base := range d.baseURLs {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := d.attempt(attemptCtx, base+generateContentPath, token, body, extraHeaders)
		cancel()

		status := 0
		if resp != nil {
			status = resp.Status
		}
		switch classify(status, err) {
		case outcomeSuccess:
			return unwrapResponse(resp), nil
		case outcomeTryNext:
			lastErr = dispatchErr(resp, err)
			if idx+1 < len(d.baseURLs) {
				continue
			}
			return nil, terminalize(lastErr)
		case outcomeTerminal:
			return nil, terminalize(dispatchErr(resp, err))
		}
	}
	return nil, terminalize(lastErr)
}

// DispatchStream performs a streaming call against the first base URL
// that accepts it, failing over on the same table as Dispatch. The
// caller (C9) owns re-framing dialect-B SSE into dialect-A SSE and must
// close the returned body.
func (d *Dispatcher) DispatchStream(ctx context.Context, token string, body []byte, extraHeaders map[string]string) (*StreamResponse, error) {
	if len(d.baseURLs) == 0 {
		return nil, apierr.New(apierr.CodeUpstreamUnavailable, apierr.HintNone, http.StatusServiceUnavailable, "no internal base urls configured")
	}

	var lastErr error
	for idx, base := range d.baseURLs {
		req, err := d.buildRequest(ctx, base+streamGenerateContentPath, token, body, extraHeaders)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/event-stream")

		httpResp, errDo := d.client.Do(req)
		if errDo != nil {
			lastErr = apierr.Wrap(apierr.CodeUpstreamUnavailable, apierr.HintNone, http.StatusServiceUnavailable, errDo)
			if idx+1 < len(d.baseURLs) {
				continue
			}
			return nil, lastErr
		}

		switch classify(httpResp.StatusCode, nil) {
		case outcomeSuccess:
			return &StreamResponse{Body: httpResp.Body, Headers: httpResp.Header.Clone(), Status: httpResp.StatusCode}, nil
		case outcomeTryNext:
			lastErr = statusError(httpResp)
			_ = httpResp.Body.Close()
			if idx+1 < len(d.baseURLs) {
				continue
			}
			return nil, terminalize(lastErr)
		case outcomeTerminal:
			defer httpResp.Body.Close()
			return nil, terminalize(statusError(httpResp))
		}
	}
	return nil, terminalize(lastErr)
}

func (d *Dispatcher) buildRequest(ctx context.Context, requestURL, token string, body []byte, extraHeaders map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

type attemptResult struct {
	Status  int
	Body    []byte
	Headers http.Header
}

func (d *Dispatcher) attempt(ctx context.Context, requestURL, token string, body []byte, extraHeaders map[string]string) (*attemptResult, error) {
	req, err := d.buildRequest(ctx, requestURL, token, body, extraHeaders)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return &attemptResult{Status: httpResp.StatusCode, Body: raw, Headers: httpResp.Header.Clone()}, nil
}

func dispatchErr(resp *attemptResult, networkErr error) error {
	if networkErr != nil {
		return apierr.Wrap(apierr.CodeUpstreamUnavailable, apierr.HintNone, http.StatusServiceUnavailable, networkErr)
	}
	message := ExtractErrorMessage(resp.Body)
	status := http.StatusServiceUnavailable
	if resp.Status != 0 {
		status = resp.Status
	}
	if message == "" {
		message = string(resp.Body)
	}
	return apierr.New(apierr.CodeUpstreamUnavailable, apierr.HintNone, status, message)
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyPeek))
	message := ExtractErrorMessage(raw)
	if message == "" {
		message = string(raw)
	}
	return apierr.New(apierr.CodeUpstreamUnavailable, apierr.HintNone, resp.StatusCode, message)
}

// terminalize recasts a terminal-classified error with the error kinds
// of spec §7: 401/403 become AUTH_REJECTED, everything else surfaces as
// UPSTREAM_UNAVAILABLE.
func terminalize(err error) error {
	if err == nil {
		return apierr.New(apierr.CodeUpstreamUnavailable, apierr.HintNone, http.StatusServiceUnavailable, "no base url available")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		return err
	}
	if apiErr.HTTPStatus == http.StatusUnauthorized || apiErr.HTTPStatus == http.StatusForbidden {
		return apierr.New(apierr.CodeAuthRejected, apierr.HintRelogin, apiErr.HTTPStatus, apiErr.Message)
	}
	return apiErr
}

// unwrapResponse implements spec §4.8 "Response unwrapping": some
// internal endpoints double-wrap the payload as {"response": {...}}.
func unwrapResponse(resp *attemptResult) *Response {
	inner := resp.Body
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(resp.Body, &probe); err == nil {
		if wrapped, ok := probe["response"]; ok {
			inner = wrapped
		}
	}
	return &Response{Body: inner, Headers: resp.Headers, Status: resp.Status}
}

// ExtractErrorMessage implements spec §4.8's error message extraction:
// an object payload is probed for .error.message then .message; a
// string/byte payload is parsed as JSON first, falling back to scanning
// "data:" SSE lines for a decodable frame. Returns "" when nothing
// structured is found, so the caller surfaces the raw error string.
func ExtractErrorMessage(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if msg, ok := objectErrorMessage(trimmed); ok {
		return msg
	}
	return sseErrorMessage(trimmed)
}

// ExtractErrorMessageFromStream reads up to 512 KiB from an open stream
// before applying the same extraction rule (spec §4.8 "Stream").
func ExtractErrorMessageFromStream(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyPeek))
	return ExtractErrorMessage(raw)
}

func objectErrorMessage(payload []byte) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return "", false
	}
	if raw, ok := obj["error"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err == nil {
			if msgRaw, ok := inner["message"]; ok {
				var msg string
				if err := json.Unmarshal(msgRaw, &msg); err == nil && msg != "" {
					return msg, true
				}
			}
		}
	}
	if raw, ok := obj["message"]; ok {
		var msg string
		if err := json.Unmarshal(raw, &msg); err == nil && msg != "" {
			return msg, true
		}
	}
	return "", false
}

func sseErrorMessage(payload []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(nil, maxErrorBodyPeek)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		if msg, found := objectErrorMessage([]byte(strings.TrimSpace(data))); found {
			return msg
		}
	}
	return ""
}
