package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client posts interactive cards to a bot webhook URL.
type Client struct {
	webhookURL string
	httpc      *http.Client
}

func NewClient(webhookURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		webhookURL: webhookURL,
		httpc:      &http.Client{Timeout: timeout},
	}
}

type apiReply struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Send delivers one card message. A non-zero platform code is an error.
func (c *Client) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	rb, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("webhook reply read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, string(rb))
	}

	var reply apiReply
	if err := json.Unmarshal(rb, &reply); err != nil {
		return fmt.Errorf("webhook reply parse: %w", err)
	}
	if reply.Code != 0 {
		return fmt.Errorf("webhook rejected: code=%d msg=%s", reply.Code, reply.Msg)
	}
	return nil
}
