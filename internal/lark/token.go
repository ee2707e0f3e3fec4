package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/pkg/metrics"
	"larkgate/pkg/retry"
)

// TokenSource yields a valid tenant access token for the provider API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type tenantTokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds
}

// TenantTokenSource fetches tenant access tokens and caches them until
// shortly before expiry. Transient HTTP failures are retried with backoff;
// a provider-side rejection (non-zero code) is not.
type TenantTokenSource struct {
	creds      *Credentials
	httpClient *http.Client
	policy     retry.Policy

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewTenantTokenSource(creds *Credentials, httpClient *http.Client, retryCfg config.RetryConfig) *TenantTokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}

	policy := retry.DefaultPolicy()
	if retryCfg.MaxAttempts > 0 {
		policy = retry.Policy{
			MaxAttempts:     retryCfg.MaxAttempts,
			InitialInterval: retryCfg.InitialInterval,
			MaxInterval:     retryCfg.MaxInterval,
			Multiplier:      retryCfg.Multiplier,
			MaxElapsedTime:  retryCfg.MaxElapsedTime,
		}
	}

	return &TenantTokenSource{
		creds:      creds,
		httpClient: httpClient,
		policy:     policy,
	}
}

func (s *TenantTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}

	var resp tenantTokenResponse
	err := retry.Retry(ctx, s.policy, func() error {
		metrics.RetryAttemptsTotal.WithLabelValues("tenant_token").Inc()
		fetched, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		resp = fetched
		return nil
	})
	if err != nil {
		return "", err
	}

	s.token = resp.TenantAccessToken
	s.expires = time.Now().Add(time.Duration(resp.Expire)*time.Second - constants.TokenExpirySlack)
	return s.token, nil
}

func (s *TenantTokenSource) fetch(ctx context.Context) (tenantTokenResponse, error) {
	var out tenantTokenResponse

	body, err := json.Marshal(map[string]string{
		"app_id":     s.creds.AppID,
		"app_secret": s.creds.AppSecret,
	})
	if err != nil {
		return out, retry.NewFatalError(err)
	}

	url := strings.TrimRight(s.creds.BaseURL, "/") + constants.TenantTokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, retry.NewFatalError(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("tenant token endpoint returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}

	if out.Code != 0 {
		// Bad credentials will not get better on retry.
		return out, retry.NewFatalError(fmt.Errorf("tenant token error (code %d): %s", out.Code, out.Msg))
	}

	return out, nil
}
