package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// Record 表示一条 DNS 记录。
type Record struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	Content  string `json:"content"`
	Priority int    `json:"priority,omitempty"`
	Proxied  bool   `json:"proxied"`
}

// Client 是 Cloudflare DNS API 的最小客户端。
//
// 使用旧式 X-Auth-Email / X-Auth-Key 凭证头，
// 只覆盖本系统需要的四个操作。
type Client struct {
	email     string
	apiKey    string
	zoneID    string
	accountID string
	baseURL   string

	httpClient *http.Client
}

// NewClient 创建 Cloudflare 客户端。
func NewClient(email, apiKey, zoneID, accountID string) *Client {
	return &Client{
		email:      email,
		apiKey:     apiKey,
		zoneID:     zoneID,
		accountID:  accountID,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

// Zone 校验凭证能否访问目标 zone。
func (c *Client) Zone(ctx context.Context) error {
	path := fmt.Sprintf("/zones/%s", c.zoneID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil); err != nil {
		return fmt.Errorf("verify zone %s: %w", c.zoneID, err)
	}
	return nil
}

// ListRecords 返回 zone 内的全部 DNS 记录。
func (c *Client) ListRecords(ctx context.Context) ([]Record, error) {
	path := fmt.Sprintf("/zones/%s/dns_records", c.zoneID)

	var records []Record
	if err := c.do(ctx, http.MethodGet, path, nil, &records); err != nil {
		return nil, fmt.Errorf("list dns records: %w", err)
	}
	return records, nil
}

// CreateRecord 创建一条 DNS 记录，返回带 ID 的记录。
func (c *Client) CreateRecord(ctx context.Context, record Record) (*Record, error) {
	path := fmt.Sprintf("/zones/%s/dns_records", c.zoneID)

	var created Record
	if err := c.do(ctx, http.MethodPost, path, record, &created); err != nil {
		return nil, fmt.Errorf("create %s record: %w", record.Type, err)
	}
	return &created, nil
}

// DeleteRecord 删除指定 ID 的 DNS 记录。
func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	path := fmt.Sprintf("/zones/%s/dns_records/%s", c.zoneID, recordID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete dns record %s: %w", recordID, err)
	}
	return nil
}

// do 发送请求并解包 Cloudflare 的响应信封。
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Email", c.email)
	req.Header.Set("X-Auth-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if !env.Success {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, joinErrors(env.Errors))
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func joinErrors(errs []apiError) string {
	if len(errs) == 0 {
		return "unknown error"
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%d: %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}
