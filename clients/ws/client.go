// Package ws provides a WebSocket client for the Warden gateway.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coder/websocket"

	wsprotocol "github.com/dohr-michael/warden/internal/gateway/ws"
	"github.com/dohr-michael/warden/internal/workers"
)

// RemoteError is an error response returned by the gateway.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Msg)
}

// Client is a WebSocket client for the Warden gateway. It is not safe for
// concurrent use: calls and reads share one connection.
type Client struct {
	conn    *websocket.Conn
	reqSeq  uint64
	ctx     context.Context
	cancel  context.CancelFunc
	onEvent func(wsprotocol.Frame)
}

// Dial connects to the gateway WebSocket endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)

	return &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
	}, nil
}

// OnEvent sets a callback for event frames read while waiting for a response.
// Without it those frames are discarded.
func (c *Client) OnEvent(fn func(wsprotocol.Frame)) {
	c.onEvent = fn
}

// Call sends a request and decodes the matching response payload into out
// (which may be nil).
func (c *Client) Call(method wsprotocol.Method, params, out any) error {
	seq := atomic.AddUint64(&c.reqSeq, 1)
	id := fmt.Sprintf("req-%d", seq)

	frame := wsprotocol.Frame{
		Type:   wsprotocol.FrameTypeRequest,
		ID:     id,
		Method: string(method),
	}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		frame.Params = data
	}

	data, err := wsprotocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}

	for {
		resp, err := c.ReadFrame()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		switch {
		case resp.Type == wsprotocol.FrameTypeEvent:
			if c.onEvent != nil {
				c.onEvent(resp)
			}
			continue
		case resp.Type != wsprotocol.FrameTypeResponse || resp.ID != id:
			continue
		}

		if resp.OK == nil || !*resp.OK {
			return &RemoteError{Method: string(method), Msg: resp.Error}
		}
		if out == nil || len(resp.Payload) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Payload, out)
	}
}

// ListTasks returns every task known to the remote manager.
func (c *Client) ListTasks() ([]workers.Record, error) {
	var list []workers.Record
	err := c.Call(wsprotocol.MethodListTasks, nil, &list)
	return list, err
}

// GetTask returns one remote task record.
func (c *Client) GetTask(id string) (workers.Record, error) {
	var rec workers.Record
	err := c.Call(wsprotocol.MethodGetTask, wsprotocol.TaskIDParams{TaskID: id}, &rec)
	return rec, err
}

// CancelTask requests cooperative cancellation of a remote task.
func (c *Client) CancelTask(id string) error {
	return c.Call(wsprotocol.MethodCancelTask, wsprotocol.TaskIDParams{TaskID: id}, nil)
}

// SubmitIngest queues file imports on the remote session.
func (c *Client) SubmitIngest(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths")
	}
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	err := c.Call(wsprotocol.MethodSubmitIngest, wsprotocol.SubmitIngestParams{Paths: paths}, &resp)
	return resp.TaskIDs, err
}

// ReadFrame reads the next frame from the connection.
func (c *Client) ReadFrame() (wsprotocol.Frame, error) {
	_, data, err := c.conn.Read(c.ctx)
	if err != nil {
		return wsprotocol.Frame{}, err
	}
	return wsprotocol.UnmarshalFrame(data)
}

// Close gracefully closes the connection.
func (c *Client) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
