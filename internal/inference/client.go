package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"computeruse/internal/resilience"
)

var _ Provider = (*Client)(nil)

// Client 通过 HTTP 调用推理服务
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type decideRequest struct {
	Model      string `json:"model,omitempty"`
	Goal       string `json:"goal"`
	Screenshot string `json:"screenshot"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Decide POST {baseURL}/v1/decide。非 2xx 响应返回 *resilience.StatusError，
// 由重试层判断是否可重试。
func (c *Client) Decide(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(decideRequest{
		Model:      c.model,
		Goal:       req.Goal,
		Screenshot: base64.StdEncoding.EncodeToString(req.Screenshot),
		Width:      req.Width,
		Height:     req.Height,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/decide", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &resilience.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("%w: %v", ErrMalformedDecision, err))
	}
	if result.Decision.Action == "" {
		return nil, resilience.Permanent(fmt.Errorf("%w: empty action", ErrMalformedDecision))
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, resilience.Permanent(fmt.Errorf("%w: confidence %v out of range", ErrMalformedDecision, result.Confidence))
	}
	return &result, nil
}
