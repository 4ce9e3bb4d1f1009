package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// wsFrame is the request/response envelope exchanged with a streaming
// tool backend, mirroring this codebase's control-plane frame shape.
type wsFrame struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// WebSocketExecutor adapts a streaming tool backend reachable over a
// single persistent gorilla/websocket connection, request-response
// multiplexed by frame ID.
type WebSocketExecutor struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  int64

	mu      sync.Mutex
	pending map[int64]chan wsFrame
}

// DialWebSocketExecutor opens the connection and starts the background
// read loop.
func DialWebSocketExecutor(ctx context.Context, url string, headers map[string][]string) (*WebSocketExecutor, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("websocket executor: dial: %w", err)
	}
	e := &WebSocketExecutor{conn: conn, pending: make(map[int64]chan wsFrame)}
	go e.readLoop()
	return e, nil
}

func (e *WebSocketExecutor) readLoop() {
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			e.failAllPending(err)
			return
		}
		var frame wsFrame
		if jsonErr := json.Unmarshal(data, &frame); jsonErr != nil {
			continue
		}
		e.mu.Lock()
		ch, ok := e.pending[frame.ID]
		if ok {
			delete(e.pending, frame.ID)
		}
		e.mu.Unlock()
		if ok {
			ch <- frame
			close(ch)
		}
	}
}

func (e *WebSocketExecutor) failAllPending(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		ch <- wsFrame{ID: id, Error: err.Error()}
		close(ch)
		delete(e.pending, id)
	}
}

func (e *WebSocketExecutor) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	id := atomic.AddInt64(&e.nextID, 1)
	ch := make(chan wsFrame, 1)

	e.mu.Lock()
	e.pending[id] = ch
	e.mu.Unlock()

	frame := wsFrame{Type: "call", ID: id, Method: method, Params: paramsRaw}

	e.writeMu.Lock()
	writeErr := e.conn.WriteJSON(frame)
	e.writeMu.Unlock()
	if writeErr != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, writeErr
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("websocket executor: %s", resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *WebSocketExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	raw, err := e.call(ctx, capability, input)
	if err != nil {
		return nil, err
	}
	var result toolsdk.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("websocket executor: decode result: %w", err)
	}
	return result, nil
}

func (e *WebSocketExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) {
	raw, err := e.call(ctx, "health_check", nil)
	if err != nil {
		return toolsdk.Health{Healthy: false, Component: "websocket", Message: err.Error()}, nil
	}
	var health toolsdk.Health
	_ = json.Unmarshal(raw, &health)
	health.Component = "websocket"
	return health, nil
}

func (e *WebSocketExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}

func (e *WebSocketExecutor) GetCapabilities(ctx context.Context) ([]string, error) {
	raw, err := e.call(ctx, "get_capabilities", nil)
	if err != nil {
		return nil, err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Close closes the underlying connection.
func (e *WebSocketExecutor) Close() error {
	return e.conn.Close()
}
