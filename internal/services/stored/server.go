// Package stored exposes a store backend to remote engine processes over a
// websocket. Each connection carries JSON request/response frames plus change
// events for the connection's subscriptions; all writes to the socket go
// through a single writer pump.
package stored

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/louisbranch/concord/internal/errors"
	"github.com/louisbranch/concord/internal/store"
	"github.com/louisbranch/concord/internal/store/wire"
)

// Backend is the store a handler serves. Compare-and-swap requires revision
// tracking, so both interfaces are needed.
type Backend interface {
	store.Store
	store.Versioned
}

// Handler upgrades HTTP requests to store protocol connections.
type Handler struct {
	backend  Backend
	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

// NewHandler creates a websocket handler over backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{
		backend: backend,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		tracer: otel.Tracer("stored"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("stored: upgrade: %v", err)
		return
	}
	c := &conn{
		ws:      ws,
		backend: h.backend,
		tracer:  h.tracer,
		send:    make(chan wire.Response, 64),
		quit:    make(chan struct{}),
		subs:    make(map[uint64]*store.Subscription),
	}
	c.run(r.Context())
}

// conn is one client connection. The reader goroutine handles requests in
// arrival order; subscription forwarders and the reader both enqueue frames
// for the writer pump, which owns all socket writes.
type conn struct {
	ws      *websocket.Conn
	backend Backend
	tracer  trace.Tracer
	send    chan wire.Response
	quit    chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	subs map[uint64]*store.Subscription
}

func (c *conn) run(ctx context.Context) {
	defer c.ws.Close()

	c.wg.Add(1)
	go c.writePump()

	for {
		var req wire.Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("stored: read: %v", err)
			}
			break
		}
		c.enqueue(c.handle(ctx, req))
	}

	c.closeSubs()
	close(c.quit)
	c.wg.Wait()
}

func (c *conn) writePump() {
	defer c.wg.Done()
	for {
		select {
		case resp := <-c.send:
			if err := c.ws.WriteJSON(resp); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// enqueue hands resp to the writer pump. It drops the frame when the
// connection is shutting down.
func (c *conn) enqueue(resp wire.Response) {
	select {
	case c.send <- resp:
	case <-c.quit:
	}
}

func (c *conn) handle(ctx context.Context, req wire.Request) wire.Response {
	ctx, span := c.tracer.Start(ctx, "stored."+req.Op,
		trace.WithAttributes(attribute.String("store.key", req.Key)))
	defer span.End()

	resp := c.dispatch(ctx, req)
	if resp.Status != "" {
		span.SetAttributes(attribute.String("store.status", resp.Status))
	}
	return resp
}

func (c *conn) dispatch(ctx context.Context, req wire.Request) wire.Response {
	switch req.Op {
	case wire.OpGet:
		doc, rev, err := c.backend.ReadRev(ctx, req.Key)
		if err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID, Doc: doc, Present: doc != nil, Rev: rev}

	case wire.OpPut:
		if err := c.backend.Write(ctx, req.Key, req.Doc); err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID}

	case wire.OpCAS:
		var doc store.Document
		if req.Present {
			doc = req.Doc
		}
		rev, err := c.backend.CompareAndSwap(ctx, req.Key, req.Rev, doc)
		if err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID, Rev: rev}

	case wire.OpDelete:
		if err := c.backend.Delete(ctx, req.Key); err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID}

	case wire.OpPush:
		childKey, err := c.backend.Push(ctx, req.Key, req.Doc)
		if err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID, ChildKey: childKey}

	case wire.OpList:
		children, err := c.backend.List(ctx, req.Key)
		if err != nil {
			return failure(req.ID, err)
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID, Children: children}

	case wire.OpSub:
		return c.subscribe(ctx, req)

	case wire.OpUnsub:
		c.mu.Lock()
		sub, ok := c.subs[req.Sub]
		if ok {
			delete(c.subs, req.Sub)
		}
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
		return wire.Response{Type: wire.TypeResult, ID: req.ID, Sub: req.Sub}

	default:
		return wire.Response{
			Type:   wire.TypeResult,
			ID:     req.ID,
			Status: wire.StatusBadRequest,
			Error:  "unknown op " + req.Op,
		}
	}
}

// subscribe attaches a backend subscription under the client-chosen handle
// and forwards its updates as change frames. The subscription's immediate
// current-value delivery becomes the first change frame.
func (c *conn) subscribe(ctx context.Context, req wire.Request) wire.Response {
	c.mu.Lock()
	if _, exists := c.subs[req.Sub]; exists {
		c.mu.Unlock()
		return wire.Response{
			Type:   wire.TypeResult,
			ID:     req.ID,
			Status: wire.StatusBadRequest,
			Error:  "subscription handle already in use",
		}
	}
	c.mu.Unlock()

	sub, err := c.backend.Subscribe(ctx, req.Key)
	if err != nil {
		return failure(req.ID, err)
	}

	c.mu.Lock()
	c.subs[req.Sub] = sub
	c.mu.Unlock()

	c.wg.Add(1)
	go func(handle uint64, key string) {
		defer c.wg.Done()
		for doc := range sub.Updates() {
			c.enqueue(wire.Response{
				Type:    wire.TypeChange,
				Sub:     handle,
				Key:     key,
				Doc:     doc,
				Present: doc != nil,
			})
		}
	}(req.Sub, req.Key)

	return wire.Response{Type: wire.TypeResult, ID: req.ID, Sub: req.Sub}
}

func (c *conn) closeSubs() {
	c.mu.Lock()
	subs := make([]*store.Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[uint64]*store.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// failure maps a backend error onto a wire status.
func failure(id uint64, err error) wire.Response {
	resp := wire.Response{Type: wire.TypeResult, ID: id, Error: err.Error()}
	switch {
	case errors.Is(err, store.ErrRevMismatch):
		resp.Status = wire.StatusRevMismatch
	case errors.Is(err, store.ErrUnavailable):
		resp.Status = wire.StatusUnavailable
	default:
		resp.Status = apperrors.CodeOf(err).WireStatus()
	}
	return resp
}
