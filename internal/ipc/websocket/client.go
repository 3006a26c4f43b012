package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// Client is the foreground side of the event channel.
type Client struct {
	ws     *websocket.Conn
	events chan receiver.Event

	writeMu sync.Mutex
}

// Dial connects to a Hub. token may be empty when the hub has no AuthToken.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{ws: ws, events: make(chan receiver.Event, 64)}
	go c.readLoop()
	return c, nil
}

// StartNotificationService sends the start signal for senderID.
func (c *Client) StartNotificationService(senderID string) error {
	return c.send(receiver.Event{Name: receiver.StartNotificationService, Payload: senderID})
}

// Events yields bridge events until the connection closes.
func (c *Client) Events() <-chan receiver.Event {
	return c.events
}

func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) send(ev receiver.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var ev receiver.Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return
		}
		c.events <- ev
	}
}
