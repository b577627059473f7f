// Package wsremote implements the store contract over a websocket connection
// to a store server. Requests multiplex over one connection by correlation
// id; change events feed local subscriptions with the same coalescing
// delivery as the in-process backends.
package wsremote

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/store"
	"github.com/louisbranch/concord/internal/store/wire"
)

// transactAttempts bounds the read-modify-write loop in Transact before the
// conflict is surfaced to the caller.
const transactAttempts = 8

// Client is a remote store over one websocket connection. It implements
// store.Store and store.Versioned.
type Client struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan wire.Response
	subs    map[uint64]*store.Subscription
	closed  bool

	done chan struct{}
}

// Dial connects to a store server at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial store server: %w", err)
	}
	c := &Client{
		ws:      ws,
		pending: make(map[uint64]chan wire.Response),
		subs:    make(map[uint64]*store.Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. Pending calls fail with
// store.ErrUnavailable and open subscriptions close.
func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) readLoop() {
	for {
		var resp wire.Response
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.teardown()
			return
		}
		switch resp.Type {
		case wire.TypeResult:
			c.mu.Lock()
			ch, ok := c.pending[resp.ID]
			if ok {
				delete(c.pending, resp.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case wire.TypeChange:
			c.mu.Lock()
			sub, ok := c.subs[resp.Sub]
			c.mu.Unlock()
			if ok {
				var doc store.Document
				if resp.Present {
					doc = resp.Doc
					if doc == nil {
						doc = store.Document{}
					}
				}
				sub.Deliver(doc)
			}
		}
	}
}

// teardown fails every pending call and closes every subscription after the
// connection is gone.
func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan wire.Response)
	subs := make([]*store.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[uint64]*store.Subscription)
	close(c.done)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.Close()
	}
}

// call sends req and waits for its result frame.
func (c *Client) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	ch := make(chan wire.Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return wire.Response{}, store.ErrUnavailable
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wire.Response{}, fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Response{}, store.ErrUnavailable
		}
		return resp, statusErr(resp)
	case <-c.done:
		return wire.Response{}, store.ErrUnavailable
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return wire.Response{}, ctx.Err()
	}
}

// statusErr converts a non-empty wire status back into the error the local
// backends would have returned.
func statusErr(resp wire.Response) error {
	switch resp.Status {
	case "":
		return nil
	case wire.StatusRevMismatch:
		return store.ErrRevMismatch
	case wire.StatusUnavailable, wire.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrUnavailable, resp.Error)
	default:
		return errors.New(errors.FromWireStatus(resp.Status), resp.Error)
	}
}

// Read returns the current value at key, or nil when the key is absent.
func (c *Client) Read(ctx context.Context, key string) (store.Document, error) {
	doc, _, err := c.ReadRev(ctx, key)
	return doc, err
}

// ReadRev returns the current value and revision at key.
func (c *Client) ReadRev(ctx context.Context, key string) (store.Document, uint64, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpGet, Key: key})
	if err != nil {
		return nil, 0, err
	}
	if !resp.Present {
		return nil, resp.Rev, nil
	}
	doc := resp.Doc
	if doc == nil {
		doc = store.Document{}
	}
	return doc, resp.Rev, nil
}

// Write merges doc into the value at key.
func (c *Client) Write(ctx context.Context, key string, doc store.Document) error {
	_, err := c.call(ctx, wire.Request{Op: wire.OpPut, Key: key, Doc: doc})
	return err
}

// CompareAndSwap replaces the value at key only if its revision still equals
// rev.
func (c *Client) CompareAndSwap(ctx context.Context, key string, rev uint64, doc store.Document) (uint64, error) {
	resp, err := c.call(ctx, wire.Request{
		Op:      wire.OpCAS,
		Key:     key,
		Rev:     rev,
		Doc:     doc,
		Present: doc != nil,
	})
	if err != nil {
		return 0, err
	}
	return resp.Rev, nil
}

// Transact applies fn to the current value at key with a bounded
// read-modify-write loop. When every attempt loses the compare-and-swap the
// conflict is surfaced to the caller.
func (c *Client) Transact(ctx context.Context, key string, fn store.TxFunc) (store.Document, error) {
	if fn == nil {
		return nil, fmt.Errorf("transaction function is required")
	}
	for attempt := 0; attempt < transactAttempts; attempt++ {
		current, rev, err := c.ReadRev(ctx, key)
		if err != nil {
			return nil, err
		}
		next, err := fn(store.Clone(current))
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		normalized, err := store.Normalize(next)
		if err != nil {
			return nil, err
		}
		if _, err := c.CompareAndSwap(ctx, key, rev, normalized); err != nil {
			if goerrors.Is(err, store.ErrRevMismatch) {
				continue
			}
			return nil, err
		}
		return normalized, nil
	}
	return nil, errors.Newf(errors.CodeConflict, "transaction on %s lost %d races", key, transactAttempts)
}

// Delete removes the key and any pushed children beneath it.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.call(ctx, wire.Request{Op: wire.OpDelete, Key: key})
	return err
}

// Push writes doc under a freshly allocated child key of parent.
func (c *Client) Push(ctx context.Context, parent string, doc store.Document) (string, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpPush, Key: parent, Doc: doc})
	if err != nil {
		return "", err
	}
	return resp.ChildKey, nil
}

// List returns all pushed children of parent keyed by child key.
func (c *Client) List(ctx context.Context, parent string) (map[string]store.Document, error) {
	resp, err := c.call(ctx, wire.Request{Op: wire.OpList, Key: parent})
	if err != nil {
		return nil, err
	}
	if resp.Children == nil {
		return map[string]store.Document{}, nil
	}
	return resp.Children, nil
}

// Subscribe registers for changes at key. The server's immediate
// current-value delivery becomes the subscription's first update.
func (c *Client) Subscribe(ctx context.Context, key string) (*store.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, store.ErrUnavailable
	}
	c.nextID++
	handle := c.nextID
	sub := store.NewSubscription(func() { c.unsubscribe(handle) })
	c.subs[handle] = sub
	c.mu.Unlock()

	if _, err := c.call(ctx, wire.Request{Op: wire.OpSub, Key: key, Sub: handle}); err != nil {
		c.mu.Lock()
		delete(c.subs, handle)
		c.mu.Unlock()
		sub.Close()
		return nil, err
	}
	return sub, nil
}

// unsubscribe detaches a closed subscription from the connection. The server
// is told on a best-effort basis; a failed unsub only costs discarded change
// frames until the connection closes.
func (c *Client) unsubscribe(handle uint64) {
	c.mu.Lock()
	if _, ok := c.subs[handle]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, handle)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	go func() {
		_, _ = c.call(context.Background(), wire.Request{Op: wire.OpUnsub, Sub: handle})
	}()
}
