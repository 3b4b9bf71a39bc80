package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const dialRetryInterval = 50 * time.Millisecond

// MessageConn is one side of a channel stream: a client connection or a
// kernel endpoint connection. Implementations must allow Close to unblock a
// concurrent Receive.
type MessageConn interface {
	Send(Message) error
	Receive() (Message, error)
	Close() error
}

// Transport dials a kernel channel endpoint. The wire protocol below this
// interface is opaque to the routing layer; tests substitute an in-process
// implementation the same way the server does for process launching.
type Transport interface {
	Dial(ctx context.Context, endpoint string) (MessageConn, error)
}

// NetTransport speaks newline-delimited JSON envelopes over TCP. Dial retries
// until the endpoint accepts or the context expires, since a freshly launched
// kernel needs time to bind its ports.
type NetTransport struct{}

func (NetTransport) Dial(ctx context.Context, endpoint string) (MessageConn, error) {
	var dialer net.Dialer
	var lastErr error
	for {
		conn, err := dialer.DialContext(ctx, "tcp", endpoint)
		if err == nil {
			return newNetConn(conn), nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("dial %s: %w", endpoint, lastErr)
			}
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
}

type netConn struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	sendMu  sync.Mutex
}

func newNetConn(conn net.Conn) *netConn {
	return &netConn{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}
}

func (c *netConn) Send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.encoder.Encode(msg)
}

func (c *netConn) Receive() (Message, error) {
	var msg Message
	if err := c.decoder.Decode(&msg); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Message{}, err
		}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return Message{}, fmt.Errorf("%w: %v", ErrStreamProtocol, err)
		}
		return Message{}, err
	}
	return msg, nil
}

func (c *netConn) Close() error {
	return c.conn.Close()
}
