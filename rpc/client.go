package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client issues control requests to a worker. It dials lazily on the first
// call and re-dials on the call after a broken connection; it never queues
// calls while disconnected.
type Client struct {
	Logger      *zap.SugaredLogger
	HTTPClient  *http.Client
	URL         string
	CallTimeout time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Response

	writeMu sync.Mutex
}

type ClientOption func(c *Client)

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.CallTimeout = d
	}
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.HTTPClient = h
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the worker listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) *Client {
	c := &Client{
		Logger:      log.Named("rpc_client"),
		URL:         fmt.Sprintf("ws://%s/rpc", addr),
		CallTimeout: 5 * time.Second,
		pending:     map[string]chan Response{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.HTTPClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
			return 10 * time.Millisecond
		}
		retryClient.RetryMax = 2
		retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
		c.HTTPClient = retryClient.StandardClient()
	}
	return c
}

// Call sends one request and waits for its response or the timeout. On
// timeout or a broken connection the call fails; nothing is known about
// whether the server processed it.
func (c *Client) Call(ctx context.Context, typ Type, payload any) (Response, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Response{}, fmt.Errorf("encoding payload: %w", err)
		}
		rawPayload = b
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("connecting to worker: %w", err)
	}

	req := Request{
		RequestID: uuid.NewString(),
		Type:      typ,
		Payload:   rawPayload,
		TimeoutMS: c.CallTimeout.Milliseconds(),
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = wsjson.Write(ctx, conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropConn(conn)
		return Response{}, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(c.CallTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("connection lost while waiting for response")
		}
		return resp, nil
	case <-timer.C:
		return Response{}, fmt.Errorf("request %s timed out after %s", typ, c.CallTimeout)
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Ping probes worker liveness.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, TypePing, nil)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ping rejected: %s", resp.Error)
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	c.Logger.Debugw("dialing control WebSocket", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, err
	}
	wsConn.SetReadLimit(readLimit)
	c.conn = wsConn
	go c.readLoop(wsConn)
	return wsConn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		err := wsjson.Read(context.Background(), conn, &resp)
		if err != nil {
			c.Logger.Debugf("response reader got error: %s", err)
			c.dropConn(conn)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			c.Logger.Debugw("dropping response with unknown request ID", "RequestID", resp.RequestID)
			continue
		}
		ch <- resp
	}
}

// dropConn discards the connection and fails all in-flight calls. The next
// Call re-dials.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = map[string]chan Response{}
	c.mu.Unlock()

	conn.Close(websocket.StatusInternalError, "connection dropped")
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "")
	c.dropConn(conn)
	return err
}
