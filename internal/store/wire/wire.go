// Package wire defines the JSON frames exchanged between the store server
// and its websocket clients. Every client request carries a correlation id;
// the server answers each request with exactly one result frame and streams
// change frames for active subscriptions.
package wire

import "github.com/louisbranch/concord/internal/store"

// Request operations.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpCAS    = "cas"
	OpDelete = "delete"
	OpPush   = "push"
	OpList   = "list"
	OpSub    = "sub"
	OpUnsub  = "unsub"
)

// Frame types sent by the server.
const (
	TypeResult = "result"
	TypeChange = "change"
)

// Statuses outside the engine error taxonomy. An empty status means the
// operation succeeded.
const (
	StatusRevMismatch = "REV_MISMATCH"
	StatusUnavailable = "UNAVAILABLE"
	StatusBadRequest  = "BAD_REQUEST"
)

// Request is a client frame. Doc is the document payload for put, cas, and
// push; Present distinguishes an empty document from an absent one. Sub is
// the client-chosen subscription handle for sub and unsub.
type Request struct {
	ID      uint64         `json:"id"`
	Op      string         `json:"op"`
	Key     string         `json:"key,omitempty"`
	Doc     store.Document `json:"doc,omitempty"`
	Present bool           `json:"present,omitempty"`
	Rev     uint64         `json:"rev,omitempty"`
	Sub     uint64         `json:"sub,omitempty"`
}

// Response is a server frame, either the result of a request (Type result,
// ID matching the request) or a change event (Type change, Sub naming the
// subscription).
type Response struct {
	Type     string                    `json:"type"`
	ID       uint64                    `json:"id,omitempty"`
	Status   string                    `json:"status,omitempty"`
	Error    string                    `json:"error,omitempty"`
	Key      string                    `json:"key,omitempty"`
	Doc      store.Document            `json:"doc,omitempty"`
	Present  bool                      `json:"present,omitempty"`
	Rev      uint64                    `json:"rev,omitempty"`
	ChildKey string                    `json:"childKey,omitempty"`
	Children map[string]store.Document `json:"children,omitempty"`
	Sub      uint64                    `json:"sub,omitempty"`
}
