// Package chatclient is the outbound HTTP client to the chat platform:
// typing pokes and reply sends, guarded by a circuit breaker so a
// degraded platform doesn't pile up blocked workers. The breaker is
// github.com/sony/gobreaker.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Client sends typing indicators and replies to the chat platform.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiToken   string
	breaker    *gobreaker.CircuitBreaker
}

func New(baseURL, apiToken string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "chatclient",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		apiToken:   apiToken,
		breaker:    breaker,
	}
}

// NotifyTyping implements queue.TypingNotifier.
func (c *Client) NotifyTyping(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "POST", fmt.Sprintf("/conversations/%s/typing", conversationID), nil)
	return err
}

// SendApology implements queue.ApologySender, sending the generic
// user-visible failure message spec.md §7 mandates.
func (c *Client) SendApology(ctx context.Context, conversationID string) error {
	return c.SendReply(ctx, conversationID, "Lo sentimos, no pudimos procesar tu mensaje. Un miembro de nuestro equipo te contactará pronto.")
}

// SendReply posts a text message into conversationID.
func (c *Client) SendReply(ctx context.Context, conversationID, text string) error {
	body := map[string]any{"content": text, "message_type": "outgoing"}
	_, err := c.do(ctx, "POST", fmt.Sprintf("/conversations/%s/messages", conversationID), body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doOnce(ctx, method, path, body)
	})
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chatclient: %s %s returned %d", method, path, resp.StatusCode)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
