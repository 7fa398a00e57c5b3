package wire

import (
	"fmt"
	"net"
	"sync"
)

// Client is a persistent connection to a peer gateway, used by the
// replication transport to push WRITE/TRUNCATE/DETACH messages and
// read back an ACCEPTED/ERROR response.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a peer gateway at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Send writes msg and blocks for the peer's response, serializing
// concurrent callers onto the single connection with a lock so two
// in-flight requests never interleave their frames.
func (c *Client) Send(msg *Message) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := msg.WriteTo(c.conn); err != nil {
		return nil, fmt.Errorf("wire: writing message: %w", err)
	}
	resp, err := ReadMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("wire: reading response: %w", err)
	}
	if resp.Kind == KindError {
		return resp, fmt.Errorf("wire: peer error %d: %s", resp.Code, resp.Text)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
