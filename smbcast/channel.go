package smbcast

import "github.com/gordian-engine/sharedmap/smpubsub"

// Publisher is the parent side of a broadcast channel.
//
// Implementations must be safe for concurrent use.
type Publisher interface {
	// Set stages value under the namespace key.
	// The value is not necessarily visible to subscribers
	// until a later call to Flush.
	//
	// The publisher takes ownership of value;
	// the caller must not modify it after calling Set.
	Set(key string, value []byte)

	// Flush delivers every staged value to subscribers.
	Flush()
}

// Subscriber is the child side of a broadcast channel.
//
// Implementations must be safe for concurrent use.
type Subscriber interface {
	// Get returns the last delivered value for key.
	// The returned slice must not be modified.
	Get(key string) ([]byte, bool)

	// Changes returns the current head of the change stream.
	// Callers that need to pair an initial Get with later changes
	// should call Changes first, so that no delivery is missed.
	Changes() *smpubsub.Stream[Change]
}

// Entry is a single delivered namespace value.
type Entry struct {
	Key   string
	Value []byte
}

// Change is one delivery event.
// A single Flush on a [Hub] produces one Change
// containing every namespace that was staged.
type Change struct {
	Entries []Entry
}

// Keys returns the namespace keys in c, in delivery order.
func (c Change) Keys() []string {
	keys := make([]string, len(c.Entries))
	for i, e := range c.Entries {
		keys[i] = e.Key
	}
	return keys
}

// Value returns the value delivered for key in c, if any.
func (c Change) Value(key string) ([]byte, bool) {
	for _, e := range c.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
