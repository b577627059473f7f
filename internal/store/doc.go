// Package store defines the remote document store contract the engine is
// written against.
//
// A store is a key-addressed document store offering atomic transactional
// read-modify-write on a single key, unconditional merge writes, subtree
// delete, unique-key append, and change subscription. Implementations
// (in-memory, SQLite-backed, websocket client) live in subpackages.
//
// # Delivery guarantees
//
// A subscription delivers the current value immediately, then every later
// change. Delivery is coalescing: a slow consumer may skip intermediate
// values but never observes an older value after a newer one, and all
// subscribers to one key observe changes in the order the store committed
// them.
package store
