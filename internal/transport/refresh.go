package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mtaalamux/client/internal/errs"
	"github.com/mtaalamux/client/pkg/logger"
	"github.com/mtaalamux/client/pkg/metrics"
)

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// refresh obtains a new access token after stale was rejected. Concurrent callers share
// one refresh call; a caller whose token was already replaced returns immediately.
func (c *Client) refresh(ctx context.Context, stale string) error {
	if cur := c.creds.AccessToken(); cur != "" && cur != stale {
		return nil
	}
	ch := c.refreshing.DoChan("refresh", func() (any, error) {
		// Detached so one caller's cancellation does not fail the others.
		return nil, c.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return &errs.Error{Kind: errs.KindNetworkError, Message: "request cancelled", Err: ctx.Err()}
	}
}

func (c *Client) doRefresh(ctx context.Context) error {
	log := logger.FromContext(ctx, c.log)
	rt := c.creds.RefreshToken()
	if rt == "" {
		metrics.ClientTokenRefreshTotal.WithLabelValues("no_token").Inc()
		c.creds.Expire()
		return sessionExpired(nil)
	}

	p, err := Request{Method: http.MethodPost, Path: c.refreshPath, JSON: refreshRequest{Refresh: rt}, Anonymous: true}.prepare()
	if err != nil {
		return err
	}
	resp, err := c.exchange(ctx, p, "")
	if err != nil {
		// Network trouble is not proof the session is dead; keep it.
		metrics.ClientTokenRefreshTotal.WithLabelValues("error").Inc()
		log.Warn("token refresh failed", zap.Error(err))
		return err
	}
	var out refreshResponse
	if resp.status >= 400 || json.Unmarshal(resp.body, &out) != nil || out.Access == "" {
		metrics.ClientTokenRefreshTotal.WithLabelValues("rejected").Inc()
		log.Info("refresh rejected, ending session", zap.Int("status", resp.status))
		c.creds.Expire()
		return sessionExpired(statusError(resp.status, resp.body))
	}

	c.creds.UpdateTokens(out.Access, out.Refresh)
	metrics.ClientTokenRefreshTotal.WithLabelValues("ok").Inc()
	log.Info("access token refreshed")
	return nil
}

func sessionExpired(cause error) *errs.Error {
	return &errs.Error{
		Kind:       errs.KindUnauthenticated,
		Message:    "Session expired. Please log in again.",
		Status:     http.StatusUnauthorized,
		Action:     errs.ActionLogin,
		RedirectTo: "/login",
		Err:        cause,
	}
}
