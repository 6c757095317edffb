package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/portalguard/internal/models"
)

// Subscribe streams daemon broadcasts to fn until ctx is cancelled or the connection drops
func (c *Client) Subscribe(ctx context.Context, fn func(models.Broadcast)) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	if resp != nil {
		c.observe(resp.Header)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg models.Broadcast
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("broadcast stream closed: %w", err)
		}
		fn(msg)
	}
}
