// Package busws is a persistent WebSocket client for the host's state bus.
// It implements both the subscription interface and the point/bulk reader
// over a single connection, with automatic reconnect and resubscribe.
package busws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacknerd/msghub/internal/hostapi"
)

const (
	requestTimeout = 10 * time.Second
	reconnectDelay = 5 * time.Second
)

// Handler receives push events from the bus. A nil state in OnStateChange
// means the state was deleted.
type Handler struct {
	OnStateChange  func(id string, st *hostapi.State)
	OnObjectChange func(id string)
}

// frame is the superset of all messages on the wire, both directions.
type frame struct {
	Op string `json:"op"`
	ID string `json:"id,omitempty"`

	// Request parameters.
	StateID  string         `json:"stateId,omitempty"`
	ObjectID string         `json:"objectId,omitempty"`
	Type     string         `json:"type,omitempty"`
	View     string         `json:"view,omitempty"`
	Val      any            `json:"val,omitempty"`
	Ack      *bool          `json:"ack,omitempty"`
	Patch    map[string]any `json:"patch,omitempty"`

	// Response / push payloads.
	Error  string              `json:"error,omitempty"`
	State  *hostapi.State      `json:"state,omitempty"`
	Object map[string]any      `json:"object,omitempty"`
	Rows   []hostapi.ObjectViewRow `json:"rows,omitempty"`
}

// Client maintains a persistent connection to the host bus. It satisfies
// hostapi.Bus and hostapi.Reader.
type Client struct {
	url     string
	handler Handler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	pending sync.Map // request id -> chan frame
	idSeq   atomic.Int64

	// subscription sets re-applied after a reconnect
	subMu      sync.Mutex
	subStates  map[string]struct{}
	subObjects map[string]struct{}
}

// New creates a client targeting the given WebSocket URL.
func New(url string, h Handler) *Client {
	return &Client{
		url:        url,
		handler:    h,
		subStates:  map[string]struct{}{},
		subObjects: map[string]struct{}{},
	}
}

// Run connects and reconnects until ctx is cancelled. Call in a dedicated
// goroutine.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[busws] %v, retrying in %s", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// IsConnected reports whether a connection is currently active.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	log.Printf("[busws] connected to %s", c.url)
	c.resubscribe()

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()

		c.pending.Range(func(k, v any) bool {
			v.(chan frame) <- frame{Error: "connection lost"}
			c.pending.Delete(k)
			return true
		})
		log.Printf("[busws] disconnected from %s", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// resubscribe replays the tracked subscription sets on a fresh connection.
func (c *Client) resubscribe() {
	c.subMu.Lock()
	states := make([]string, 0, len(c.subStates))
	for id := range c.subStates {
		states = append(states, id)
	}
	objects := make([]string, 0, len(c.subObjects))
	for id := range c.subObjects {
		objects = append(objects, id)
	}
	c.subMu.Unlock()

	for _, id := range states {
		if err := c.send(frame{Op: "subscribeStates", StateID: id}); err != nil {
			log.Printf("[busws] resubscribe state %s: %v", id, err)
			return
		}
	}
	for _, id := range objects {
		if err := c.send(frame{Op: "subscribeObjects", ObjectID: id}); err != nil {
			log.Printf("[busws] resubscribe object %s: %v", id, err)
			return
		}
	}
	if n := len(states) + len(objects); n > 0 {
		log.Printf("[busws] resubscribed %d id(s)", n)
	}
}

func (c *Client) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		log.Printf("[busws] bad frame: %v", err)
		return
	}

	switch f.Op {
	case "result":
		if ch, ok := c.pending.LoadAndDelete(f.ID); ok {
			ch.(chan frame) <- f
		}
	case "stateChange":
		if c.handler.OnStateChange != nil {
			c.handler.OnStateChange(f.StateID, f.State)
		}
	case "objectChange":
		if c.handler.OnObjectChange != nil {
			c.handler.OnObjectChange(f.ObjectID)
		}
	}
}

func (c *Client) send(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("busws: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

// request sends a frame with a correlation id and waits for its result.
func (c *Client) request(f frame) (frame, error) {
	f.ID = c.nextID()
	ch := make(chan frame, 1)
	c.pending.Store(f.ID, ch)

	if err := c.send(f); err != nil {
		c.pending.Delete(f.ID)
		return frame{}, err
	}
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return frame{}, fmt.Errorf("busws: %s: %s", f.Op, resp.Error)
		}
		return resp, nil
	case <-time.After(requestTimeout):
		c.pending.Delete(f.ID)
		return frame{}, fmt.Errorf("busws: %s: timeout", f.Op)
	}
}

// --- hostapi.Bus ---

func (c *Client) SubscribeForeignStates(id string) error {
	c.subMu.Lock()
	c.subStates[id] = struct{}{}
	c.subMu.Unlock()
	return c.send(frame{Op: "subscribeStates", StateID: id})
}

func (c *Client) UnsubscribeForeignStates(id string) error {
	c.subMu.Lock()
	delete(c.subStates, id)
	c.subMu.Unlock()
	return c.send(frame{Op: "unsubscribeStates", StateID: id})
}

func (c *Client) SubscribeForeignObjects(id string) error {
	c.subMu.Lock()
	c.subObjects[id] = struct{}{}
	c.subMu.Unlock()
	return c.send(frame{Op: "subscribeObjects", ObjectID: id})
}

func (c *Client) UnsubscribeForeignObjects(id string) error {
	c.subMu.Lock()
	delete(c.subObjects, id)
	c.subMu.Unlock()
	return c.send(frame{Op: "unsubscribeObjects", ObjectID: id})
}

// --- hostapi.Reader ---

func (c *Client) GetObjectView(typ, view string) (*hostapi.ObjectView, error) {
	resp, err := c.request(frame{Op: "getObjectView", Type: typ, View: view})
	if err != nil {
		return nil, err
	}
	return &hostapi.ObjectView{Rows: resp.Rows}, nil
}

func (c *Client) GetForeignObject(id string) (map[string]any, error) {
	resp, err := c.request(frame{Op: "getObject", ObjectID: id})
	if err != nil {
		return nil, err
	}
	return resp.Object, nil
}

func (c *Client) GetForeignState(id string) (*hostapi.State, error) {
	resp, err := c.request(frame{Op: "getState", StateID: id})
	if err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) SetForeignState(id string, val any, ack bool) error {
	_, err := c.request(frame{Op: "setState", StateID: id, Val: val, Ack: &ack})
	return err
}

// ExtendForeignObject merges a patch into an external object. Used for
// managed-object metadata reporting.
func (c *Client) ExtendForeignObject(id string, patch map[string]any) error {
	_, err := c.request(frame{Op: "extendObject", ObjectID: id, Patch: patch})
	return err
}
