package api

import (
	"bufio"
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/apierr"
	"github.com/antigravity-bridge/proxy/internal/dispatch"
	"github.com/antigravity-bridge/proxy/internal/transform"
)

// handleMessages implements POST /v1/messages (spec §4.9): select the
// active account, transform dialect-A into dialect-B, dispatch, and
// stream or return the result. A 429 triggers mark_rate_limited and, if
// auto-switch is enabled, exactly one retry against the newly selected
// account (spec §7 recovery policy: "at most once across accounts via
// auto-switch").
func (s *Server) handleMessages(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, "failed to read request body")
		return
	}
	if !gjson.ValidBytes(raw) {
		badRequest(c, "request body is not valid JSON")
		return
	}

	acct := s.deps.Pool.GetActive()
	if acct == nil {
		writeAPIError(c, apierr.New(apierr.CodeNoAccount, apierr.HintNone, http.StatusServiceUnavailable, "no active account"))
		return
	}

	if gjson.GetBytes(raw, "stream").Bool() {
		s.handleMessagesStream(c, acct, raw)
		return
	}
	s.handleMessagesSync(c, acct, raw)
}

func (s *Server) handleMessagesSync(c *gin.Context, acct *accounts.Account, raw []byte) {
	ctx := c.Request.Context()

	resp, err := s.dispatchOnce(ctx, acct, raw)
	if err != nil {
		retryAcct, retryErr := s.handleDispatchFailure(ctx, acct, err)
		if retryErr != nil {
			writeAPIError(c, retryErr)
			return
		}
		resp, err = s.dispatchOnce(ctx, retryAcct, raw)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		acct = retryAcct
	}

	s.deps.Pool.Touch(acct.ID)
	c.Data(http.StatusOK, "application/json", resp.Body)
}

// dispatchOnce runs the C7 -> C8 pipeline once against acct.
func (s *Server) dispatchOnce(ctx context.Context, acct *accounts.Account, raw []byte) (*dispatch.Response, error) {
	token, err := s.resolveAccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}
	transformed, _ := transform.Request(raw, acct.ProjectID, s.deps.Router, s.deps.SigStore)
	return s.deps.Dispatcher.Dispatch(ctx, token, transformed, nil)
}

// handleDispatchFailure applies spec §4.9/§7's retry policy: a 429 marks
// acct rate_limited and, if auto-switch is enabled and it produced a
// different active account, returns that account for one retry. Any other
// outcome (including a 429 that can't be retried) marks the account when
// appropriate and returns the terminal error.
func (s *Server) handleDispatchFailure(ctx context.Context, acct *accounts.Account, err error) (*accounts.Account, error) {
	apiErr := asAPIErr(err)

	switch {
	case apiErr.HTTPStatus == http.StatusTooManyRequests:
		s.deps.Pool.MarkRateLimited(acct.ID)
		if s.deps.Config.AutoSwitchEnabled {
			if next := s.deps.Pool.GetActive(); next != nil && next.ID != acct.ID {
				return next, nil
			}
		}
		return nil, err
	case apiErr.Code == apierr.CodeAuthRejected:
		s.deps.Pool.MarkError(acct.ID, apiErr.Message)
		return nil, err
	default:
		return nil, err
	}
}

// handleMessagesStream implements the streaming branch: dialect-B SSE
// frames are forwarded with minimal parsing (spec §9 "Streaming"). Retry
// is only attempted when dispatch fails before any bytes reach the
// client, since once streaming starts the response is already committed.
func (s *Server) handleMessagesStream(c *gin.Context, acct *accounts.Account, raw []byte) {
	ctx := c.Request.Context()

	stream, err := s.dispatchStreamOnce(ctx, acct, raw)
	if err != nil {
		retryAcct, retryErr := s.handleDispatchFailure(ctx, acct, err)
		if retryErr != nil {
			writeAPIError(c, retryErr)
			return
		}
		stream, err = s.dispatchStreamOnce(ctx, retryAcct, raw)
		if err != nil {
			writeAPIError(c, err)
			return
		}
		acct = retryAcct
	}
	defer stream.Body.Close()

	s.deps.Pool.Touch(acct.ID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		_, _ = io.Copy(c.Writer, stream.Body)
		return
	}

	reader := bufio.NewReaderSize(stream.Body, 64*1024)
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

func (s *Server) dispatchStreamOnce(ctx context.Context, acct *accounts.Account, raw []byte) (*dispatch.StreamResponse, error) {
	token, err := s.resolveAccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}
	transformed, _ := transform.Request(raw, acct.ProjectID, s.deps.Router, s.deps.SigStore)
	return s.deps.Dispatcher.DispatchStream(ctx, token, transformed, nil)
}
