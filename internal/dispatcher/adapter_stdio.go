package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/fluxgate/toolrun/pkg/toolsdk"
)

// rpcRequest is a JSON-RPC 2.0 request frame sent to a subprocess over
// its stdin.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StdioExecutor adapts a tool implemented as a long-lived subprocess
// speaking JSON-RPC 2.0 over its stdin/stdout, one request per line.
type StdioExecutor struct {
	cmd    *exec.Cmd
	stdin  *bufio.Writer
	stdout *bufio.Reader

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse

	readOnce sync.Once
}

// NewStdioExecutor starts the subprocess and begins reading its
// responses in the background. Callers must call Close when done.
func NewStdioExecutor(name string, args ...string) (*StdioExecutor, error) {
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	e := &StdioExecutor{
		cmd:     cmd,
		stdin:   bufio.NewWriter(stdin),
		stdout:  bufio.NewReader(stdout),
		pending: make(map[int64]chan rpcResponse),
	}
	go e.readLoop()
	return e, nil
}

func (e *StdioExecutor) readLoop() {
	for {
		line, err := e.stdout.ReadBytes('\n')
		if len(line) > 0 {
			var resp rpcResponse
			if jsonErr := json.Unmarshal(line, &resp); jsonErr == nil {
				e.mu.Lock()
				ch, ok := e.pending[resp.ID]
				if ok {
					delete(e.pending, resp.ID)
				}
				e.mu.Unlock()
				if ok {
					ch <- resp
					close(ch)
				}
			}
		}
		if err != nil {
			e.failAllPending(err)
			return
		}
	}
}

func (e *StdioExecutor) failAllPending(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Message: err.Error()}}
		close(ch)
		delete(e.pending, id)
	}
}

func (e *StdioExecutor) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&e.nextID, 1)
	ch := make(chan rpcResponse, 1)

	e.mu.Lock()
	e.pending[id] = ch
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, err
	}
	line = append(line, '\n')
	_, writeErr := e.stdin.Write(line)
	if writeErr == nil {
		writeErr = e.stdin.Flush()
	}
	e.mu.Unlock()
	if writeErr != nil {
		return nil, writeErr
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, fmt.Errorf("stdio executor: %s", resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *StdioExecutor) Execute(ctx context.Context, capability string, input map[string]any, execCtx toolsdk.ExecContext) (any, error) {
	raw, err := e.call(ctx, capability, input)
	if err != nil {
		return nil, err
	}
	var result toolsdk.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("stdio executor: decode result: %w", err)
	}
	return result, nil
}

func (e *StdioExecutor) HealthCheck(ctx context.Context) (toolsdk.Health, error) {
	raw, err := e.call(ctx, "health_check", nil)
	if err != nil {
		return toolsdk.Health{Healthy: false, Component: "stdio", Message: err.Error()}, nil
	}
	var health toolsdk.Health
	_ = json.Unmarshal(raw, &health)
	health.Component = "stdio"
	return health, nil
}

func (e *StdioExecutor) ValidateInput(ctx context.Context, capability string, input map[string]any) []string {
	return nil
}

func (e *StdioExecutor) GetCapabilities(ctx context.Context) ([]string, error) {
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

// Close terminates the subprocess.
func (e *StdioExecutor) Close() error {
	if e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Process.Kill()
}
