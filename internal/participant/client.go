package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Client is a minimal JSON-RPC 2.0 client over a Transport. Responses are
// matched to requests by ID; the collaborator may answer out of order.
type Client struct {
	name      string
	transport Transport
	nextID    int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// NewClient wraps a transport and starts the response listener.
func NewClient(name string, transport Transport) *Client {
	c := &Client{
		name:      name,
		transport: transport,
		pending:   make(map[int64]chan jsonRPCResponse),
	}
	go c.listen()
	return c
}

func (c *Client) listen() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}

		if resp.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
				ch <- resp
			}
			c.pendingMu.Unlock()
		}
	}
}

// Call issues one request and decodes the result into out (when non-nil).
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	id := atomic.AddInt64(&c.nextID, 1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}

	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      id,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, b); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s rpc error %d: %s", c.name, resp.Error.Code, resp.Error.Message)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
		return nil
	}
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
