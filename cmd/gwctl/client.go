package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/agentgw/internal/gateway"
)

// wsClient is a minimal control-plane client: it dials /ws, answers the
// single req:/res: correlation contract with a map of pending calls keyed
// by envelope ID, and forwards every evt: frame onto Events for the
// dashboard (or line-mode printer) to consume.
type wsClient struct {
	conn   *websocket.Conn
	Events chan gateway.Envelope

	mu      sync.Mutex
	pending map[string]chan gateway.Envelope
}

// dial connects to addr (a ws:// or wss:// URL) with apiKey attached as a
// bearer token, then starts the background read pump.
func dial(ctx context.Context, addr, apiKey string) (*wsClient, error) {
	var opts *websocket.DialOptions
	if apiKey != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + apiKey},
		}}
	}
	conn, _, err := websocket.Dial(ctx, addr, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &wsClient{
		conn:    conn,
		Events:  make(chan gateway.Envelope, 64),
		pending: make(map[string]chan gateway.Envelope),
	}
	go c.readLoop(ctx)
	return c, nil
}

func (c *wsClient) readLoop(ctx context.Context) {
	defer close(c.Events)
	for {
		var env gateway.Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			return
		}
		if len(env.Type) >= 4 && env.Type[:4] == "evt:" {
			select {
			case c.Events <- env:
			default:
			}
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// call sends a req: envelope of the given type with payload marshaled from
// v, and blocks for the matching res: (or res:error) envelope or timeout.
func (c *wsClient) call(ctx context.Context, reqType string, v any) (gateway.Envelope, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(v)
	if err != nil {
		return gateway.Envelope{}, fmt.Errorf("marshal %s payload: %w", reqType, err)
	}
	wait := make(chan gateway.Envelope, 1)
	c.mu.Lock()
	c.pending[id] = wait
	c.mu.Unlock()

	env := gateway.Envelope{Type: reqType, ID: id, Ts: time.Now(), Payload: payload}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return gateway.Envelope{}, fmt.Errorf("write %s: %w", reqType, err)
	}

	select {
	case res := <-wait:
		if res.Type == gateway.ResError {
			var errPayload gateway.ErrorPayload
			_ = json.Unmarshal(res.Payload, &errPayload)
			return res, fmt.Errorf("%s: %s: %s", reqType, errPayload.Kind, errPayload.Message)
		}
		return res, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return gateway.Envelope{}, ctx.Err()
	}
}

func (c *wsClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
