package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// graphql-transport-ws (and its predecessor subscriptions-transport-ws)
// message types this client speaks. Both protocols share the same
// connection_init/subscribe/next/error/complete shape; the subprotocol
// name negotiated at dial time is what actually distinguishes them.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

const (
	// SubprotocolGraphQLWS is the newer enbw/graphql-ws subprotocol.
	SubprotocolGraphQLWS = "graphql-transport-ws"
	// SubprotocolLegacyWS is the older apollographql subscriptions-transport-ws
	// subprotocol, kept for subgraphs that haven't migrated.
	SubprotocolLegacyWS = "graphql-ws"
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionClient drives one subgraph's websocket subscription
// endpoint, multiplexing concurrent Subscribe calls over a single
// connection the way graphql-transport-ws expects.
type SubscriptionClient struct {
	url         string
	subprotocol string
	headers     http.Header

	mu       sync.Mutex
	conn     *websocket.Conn
	nextID   int
	handlers map[string]chan wsMessage
}

// NewSubscriptionClient returns a client for url, speaking subprotocol
// (one of SubprotocolGraphQLWS or SubprotocolLegacyWS).
func NewSubscriptionClient(url, subprotocol string, headers http.Header) *SubscriptionClient {
	if subprotocol == "" {
		subprotocol = SubprotocolGraphQLWS
	}
	return &SubscriptionClient{url: url, subprotocol: subprotocol, headers: headers, handlers: make(map[string]chan wsMessage)}
}

// connect dials and performs connection_init/connection_ack if not already
// connected. Must be called with mu held.
func (c *SubscriptionClient) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{Subprotocols: []string{c.subprotocol}}
	conn, _, err := dialer.DialContext(ctx, c.url, c.headers)
	if err != nil {
		return &TransientError{Cause: fmt.Errorf("subscription dial failed: %w", err)}
	}

	if err := conn.WriteJSON(wsMessage{Type: msgConnectionInit}); err != nil {
		conn.Close()
		return &TransientError{Cause: err}
	}
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return &TransientError{Cause: err}
	}
	if ack.Type != msgConnectionAck {
		conn.Close()
		return fmt.Errorf("subscription handshake failed: expected %s, got %s", msgConnectionAck, ack.Type)
	}

	c.conn = conn
	go c.readLoop(conn)
	return nil
}

// readLoop dispatches incoming frames to the channel registered for their
// ID until the connection closes.
func (c *SubscriptionClient) readLoop(conn *websocket.Conn) {
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			for _, ch := range c.handlers {
				close(ch)
			}
			c.handlers = make(map[string]chan wsMessage)
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		ch, ok := c.handlers[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Event is one subscription payload or terminal error delivered to a
// Subscribe caller.
type Event struct {
	Data map[string]interface{}
	Err  error
}

// Subscribe starts a subscription operation and returns a channel of
// events. The channel closes when the subgraph sends "complete", the
// connection drops, or ctx is cancelled.
func (c *SubscriptionClient) Subscribe(ctx context.Context, req Request) (<-chan Event, error) {
	c.mu.Lock()
	if err := c.connect(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.nextID++
	id := fmt.Sprintf("%d", c.nextID)
	raw := make(chan wsMessage, 8)
	c.handlers[id] = raw
	conn := c.conn
	c.mu.Unlock()

	payload, err := json.Marshal(map[string]interface{}{
		"query":     req.Query,
		"variables": req.Variables,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to encode subscription payload: %w", err)
	}
	if err := conn.WriteJSON(wsMessage{ID: id, Type: msgSubscribe, Payload: payload}); err != nil {
		return nil, &TransientError{Cause: err}
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteJSON(wsMessage{ID: id, Type: msgComplete})
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				switch msg.Type {
				case msgNext:
					var data map[string]interface{}
					if err := json.Unmarshal(msg.Payload, &data); err != nil {
						events <- Event{Err: err}
						continue
					}
					events <- Event{Data: data}
				case msgError:
					events <- Event{Err: fmt.Errorf("subscription error: %s", string(msg.Payload))}
					return
				case msgComplete:
					return
				}
			}
		}
	}()

	return events, nil
}

// Close tears down the underlying connection, if any.
func (c *SubscriptionClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
