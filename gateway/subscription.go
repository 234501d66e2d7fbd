package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/openfed-dev/federation-gateway/federation/transport"
)

var subscriptionUpgrader = websocket.Upgrader{
	Subprotocols: []string{transport.SubprotocolGraphQLWS, transport.SubprotocolLegacyWS},
	CheckOrigin:  func(r *http.Request) bool { return true },
}

type subscriptionMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// SubscriptionHandler upgrades a client connection to graphql-transport-ws
// and proxies each subscribe message to the subgraph that owns the
// operation's root field, relaying next/error/complete frames back.
func (g *gateway) SubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := subscriptionUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("subscription upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var init subscriptionMessage
	if err := conn.ReadJSON(&init); err != nil || init.Type != "connection_init" {
		return
	}
	if err := conn.WriteJSON(subscriptionMessage{Type: "connection_ack"}); err != nil {
		return
	}

	ctx := r.Context()
	for {
		var msg subscriptionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type == "subscribe" {
			go g.proxySubscription(ctx, conn, msg.ID, msg.Payload)
		}
	}
}

// proxySubscription dials the owning subgraph's websocket endpoint for one
// client subscription and forwards its events until completion, error, or
// client cancellation.
func (g *gateway) proxySubscription(ctx context.Context, conn *websocket.Conn, id string, rawPayload json.RawMessage) {
	var req subscribePayload
	if err := json.Unmarshal(rawPayload, &req); err != nil {
		conn.WriteJSON(subscriptionMessage{ID: id, Type: "error"})
		return
	}

	l := lexer.New(req.Query)
	p := parser.New(l)
	doc := p.ParseDocument()
	op := firstOperation(doc)
	if op == nil || op.Operation != ast.Subscription {
		conn.WriteJSON(subscriptionMessage{ID: id, Type: "error"})
		return
	}

	var rootField string
	for _, sel := range op.SelectionSet {
		if f, ok := sel.(*ast.Field); ok {
			rootField = f.Name.String()
			break
		}
	}

	subGraph := g.currentEngine().superGraph.GetFieldOwnerSubGraph("Subscription", rootField)
	if subGraph == nil {
		conn.WriteJSON(subscriptionMessage{ID: id, Type: "error"})
		return
	}

	client := transport.NewSubscriptionClient(toWebsocketURL(subGraph.Host), "", nil)
	defer client.Close()

	events, err := client.Subscribe(ctx, transport.Request{Query: req.Query, Variables: req.Variables})
	if err != nil {
		conn.WriteJSON(subscriptionMessage{ID: id, Type: "error"})
		return
	}

	for ev := range events {
		if ev.Err != nil {
			conn.WriteJSON(subscriptionMessage{ID: id, Type: "error"})
			return
		}
		payload, err := json.Marshal(map[string]any{"data": ev.Data})
		if err != nil {
			continue
		}
		if err := conn.WriteJSON(subscriptionMessage{ID: id, Type: "next", Payload: payload}); err != nil {
			return
		}
	}
	conn.WriteJSON(subscriptionMessage{ID: id, Type: "complete"})
}

// toWebsocketURL rewrites a subgraph's http(s) host into its ws(s) equivalent.
func toWebsocketURL(host string) string {
	switch {
	case strings.HasPrefix(host, "https://"):
		return "wss://" + strings.TrimPrefix(host, "https://")
	case strings.HasPrefix(host, "http://"):
		return "ws://" + strings.TrimPrefix(host, "http://")
	default:
		return host
	}
}
