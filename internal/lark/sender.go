package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"

	"larkgate/internal/config"
	"larkgate/internal/constants"
	"larkgate/internal/logger"
	"larkgate/pkg/circuitbreaker"
	"larkgate/pkg/metrics"
)

// Sender delivers outbound text to the provider.
type Sender interface {
	SendText(ctx context.Context, to, text string) (string, error)
}

type sendMessageResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		MessageID string `json:"message_id"`
	} `json:"data"`
}

// Client is the outbound provider API client. Calls go through a circuit
// breaker so a dead provider API does not pile up blocked goroutines behind
// fire-and-forget dispatches.
type Client struct {
	creds      *Credentials
	tokens     TokenSource
	httpClient *http.Client
	breaker    *circuitbreaker.Wrapper
	logger     logger.Logger
}

func NewClient(creds *Credentials, tokens TokenSource, httpClient *http.Client, breakerCfg config.BreakerConfig, log logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultHTTPTimeout}
	}

	var breaker *circuitbreaker.Wrapper
	if breakerCfg.Enabled {
		cbCfg := circuitbreaker.DefaultConfig("lark-send")
		if breakerCfg.MaxRequests > 0 {
			cbCfg.MaxRequests = breakerCfg.MaxRequests
		}
		if breakerCfg.Interval > 0 {
			cbCfg.Interval = breakerCfg.Interval
		}
		if breakerCfg.Timeout > 0 {
			cbCfg.Timeout = breakerCfg.Timeout
		}
		if breakerCfg.FailureRatio > 0 && breakerCfg.MinRequests > 0 {
			ratio := breakerCfg.FailureRatio
			minReq := breakerCfg.MinRequests
			cbCfg.ReadyToTrip = func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= minReq && failureRatio >= ratio
			}
		}
		breaker = circuitbreaker.NewWrapper(cbCfg)
	}

	return &Client{
		creds:      creds,
		tokens:     tokens,
		httpClient: httpClient,
		breaker:    breaker,
		logger:     log,
	}
}

// DetectReceiveIDType maps a target id to the provider's receive_id_type
// query parameter by prefix convention.
func DetectReceiveIDType(to string) string {
	switch {
	case strings.HasPrefix(to, "oc_"):
		return "chat_id"
	case strings.HasPrefix(to, "ou_"):
		return "open_id"
	case strings.HasPrefix(to, "on_"):
		return "union_id"
	case strings.Contains(to, "@"):
		return "email"
	default:
		return "open_id"
	}
}

func (c *Client) SendText(ctx context.Context, to, text string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("send target is required")
	}

	var messageID string
	send := func() (interface{}, error) {
		id, err := c.sendText(ctx, to, text)
		if err != nil {
			return nil, err
		}
		return id, nil
	}

	var result interface{}
	var err error
	if c.breaker != nil {
		result, err = c.breaker.ExecuteWithContext(ctx, send)
		c.breaker.RecordRequest(err == nil)
	} else {
		result, err = send()
	}

	if err != nil {
		metrics.OutboundSendTotal.WithLabelValues("error").Inc()
		return "", err
	}

	messageID, _ = result.(string)
	metrics.OutboundSendTotal.WithLabelValues("ok").Inc()
	return messageID, nil
}

func (c *Client) sendText(ctx context.Context, to, text string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire tenant token: %w", err)
	}

	content, err := json.Marshal(TextContent{Text: text})
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(map[string]string{
		"receive_id": to,
		"msg_type":   "text",
		"content":    string(content),
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s%s?receive_id_type=%s",
		strings.TrimRight(c.creds.BaseURL, "/"),
		constants.SendMessagePath,
		DetectReceiveIDType(to),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("send API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("send API returned invalid response: %w", err)
	}

	if out.Code != 0 {
		return "", fmt.Errorf("send error (code %d): %s", out.Code, out.Msg)
	}

	if out.Data == nil {
		return "", nil
	}
	return out.Data.MessageID, nil
}
