package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// tokenSafetyMargin renews the tenant token before the platform expires it.
const tokenSafetyMargin = 5 * time.Minute

// MessageSender is the outbound slice of the Lark API the channel uses.
// The HTTP client implements it; tests inject a fake.
type MessageSender interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (messageID string, err error)
	GetBotInfo(ctx context.Context) (openID string, err error)
}

// LarkClient is a minimal Lark Open API client: tenant token caching plus
// the message send and bot info calls.
type LarkClient struct {
	appID     string
	appSecret string
	baseURL   string
	http      *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewLarkClient(appID, appSecret, domain string) *LarkClient {
	return &LarkClient{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   resolveDomain(domain),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// resolveDomain maps the config shorthand to a base URL. "lark" (global)
// is the default; "feishu" selects the China endpoint.
func resolveDomain(domain string) string {
	switch domain {
	case "feishu":
		return "https://open.feishu.cn"
	case "", "lark":
		return "https://open.larksuite.com"
	default:
		if !strings.HasPrefix(domain, "http") {
			return "https://" + domain
		}
		return domain
	}
}

func (c *LarkClient) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch tenant token: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"` // seconds
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode tenant token: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("tenant token: code %d: %s", out.Code, out.Msg)
	}

	c.token = out.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(out.Expire)*time.Second - tokenSafetyMargin)
	return c.token, nil
}

func (c *LarkClient) doJSON(ctx context.Context, method, path string, payload interface{}, out interface{}) error {
	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// SendMessage sends one message and returns the platform message id.
func (c *LarkClient) SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error) {
	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Data struct {
			MessageID string `json:"message_id"`
		} `json:"data"`
	}
	err := c.doJSON(ctx, http.MethodPost,
		"/open-apis/im/v1/messages?receive_id_type="+receiveIDType,
		map[string]string{
			"receive_id": receiveID,
			"msg_type":   msgType,
			"content":    content,
		}, &out)
	if err != nil {
		return "", err
	}
	if out.Code != 0 {
		return "", fmt.Errorf("lark send: code %d: %s", out.Code, out.Msg)
	}
	return out.Data.MessageID, nil
}

// GetBotInfo returns the bot's open_id, used for mention detection.
func (c *LarkClient) GetBotInfo(ctx context.Context) (string, error) {
	var out struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID string `json:"open_id"`
		} `json:"bot"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/open-apis/bot/v3/info", nil, &out); err != nil {
		return "", err
	}
	if out.Code != 0 {
		return "", fmt.Errorf("lark bot info: code %d: %s", out.Code, out.Msg)
	}
	return out.Bot.OpenID, nil
}

var _ MessageSender = (*LarkClient)(nil)
