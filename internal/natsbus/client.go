package natsbus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Client is one connection to the embedded server. The orchestrator publishes
// lifecycle events through it, and NATS-adapter workers exchange JSON turns
// on their agent.<id>.* topics.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to the embedded server. The connection carries a name so
// it can be told apart from worker connections in server monitoring.
func NewClient(bus *Bus) (*Client, error) {
	conn, err := nats.Connect(bus.ClientURL(), nats.Name("fedi-orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

// PublishJSON marshals v and publishes it, used for the orchestration event
// feed that the web layer and external observers subscribe to.
func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// Flush blocks until the server has processed everything published so far.
// Adapters call it after a turn's input so the worker sees the message before
// the send is reported as delivered.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
