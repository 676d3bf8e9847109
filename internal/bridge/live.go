package bridge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"computeruse/internal/compute"
	"computeruse/internal/resilience"
)

type LiveFactory struct {
	client *http.Client
	logger *slog.Logger
}

func (f *LiveFactory) Open(ctx context.Context, h compute.Handle) (Desktop, error) {
	if h.Endpoint == "" {
		return nil, fmt.Errorf("compute unit %s has no desktop endpoint", h.ID)
	}
	return NewLiveDesktop(h.Endpoint, f.client, f.logger), nil
}

// LiveDesktop 调用计算单元内桌面 agent 的 HTTP 接口
type LiveDesktop struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

func NewLiveDesktop(baseURL string, client *http.Client, logger *slog.Logger) *LiveDesktop {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &LiveDesktop{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With("component", "live-desktop", "endpoint", baseURL),
	}
}

type screenshotResponse struct {
	Success    bool   `json:"success"`
	Screenshot string `json:"screenshot"`
	Resolution struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"resolution"`
}

func (d *LiveDesktop) Capture(ctx context.Context) (Frame, error) {
	var resp screenshotResponse
	if err := d.post(ctx, "/vnc/screenshot", struct{}{}, &resp); err != nil {
		return Frame{}, err
	}
	if !resp.Success || resp.Screenshot == "" {
		return Frame{}, fmt.Errorf("desktop agent returned no screenshot")
	}
	data, err := base64.StdEncoding.DecodeString(resp.Screenshot)
	if err != nil {
		return Frame{}, fmt.Errorf("decode screenshot: %w", err)
	}
	return Frame{
		PNG:        data,
		Width:      resp.Resolution.Width,
		Height:     resp.Resolution.Height,
		CapturedAt: time.Now(),
	}, nil
}

func (d *LiveDesktop) Click(ctx context.Context, x, y int, button string) error {
	if button == "" {
		button = "left"
	}
	return d.post(ctx, "/vnc/click", map[string]any{"x": x, "y": y, "button": button}, nil)
}

func (d *LiveDesktop) Move(ctx context.Context, x, y int) error {
	return d.post(ctx, "/vnc/move", map[string]any{"x": x, "y": y}, nil)
}

func (d *LiveDesktop) Type(ctx context.Context, text string) error {
	return d.post(ctx, "/vnc/type", map[string]any{"text": text}, nil)
}

func (d *LiveDesktop) KeyCombination(ctx context.Context, keys []string) error {
	return d.post(ctx, "/vnc/key_combination", map[string]any{"keys": strings.Join(keys, "+")}, nil)
}

// Scroll 需要 agent 提供 /vnc/scroll，旧版 agent 返回 404
func (d *LiveDesktop) Scroll(ctx context.Context, direction string, amount int) error {
	return d.post(ctx, "/vnc/scroll", map[string]any{"direction": direction, "amount": amount}, nil)
}

func (d *LiveDesktop) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *LiveDesktop) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("desktop agent %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read desktop agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &resilience.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode desktop agent response: %w", err)
	}
	return nil
}
