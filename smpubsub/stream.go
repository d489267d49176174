package smpubsub

import "context"

// Stream is one node in an append-only sequence of deliveries,
// such as hub flushes or map updates.
//
// Exactly one goroutine publishes, always on the newest node.
// Any number of goroutines hold their own node pointer
// and step through Next after Ready is closed.
// A reader that stops stepping pins every later node in memory,
// so long-lived readers must either keep up or drop their pointer.
type Stream[T any] struct {
	// Closed once Val and Next are set.
	Ready chan struct{}

	Val  T
	Next *Stream[T]
}

// NewStream returns an unpublished node, ready to be handed to readers
// before anything is published.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{Ready: make(chan struct{})}
}

// Publish sets the node's value, appends a fresh unpublished node,
// and then releases readers blocked on Ready.
// The publisher continues with s.Next.
//
// A node accepts only one value; a second Publish panics.
func (s *Stream[T]) Publish(v T) {
	s.Val = v
	s.Next = &Stream[T]{Ready: make(chan struct{})}
	close(s.Ready)
}

// Published reports whether s.Val is available,
// without blocking.
func (s *Stream[T]) Published() bool {
	select {
	case <-s.Ready:
		return true
	default:
		return false
	}
}

// Tail advances from s past every node that has already been published,
// returning the first unpublished node.
// Readers that only care about the most recent state
// use Tail to skip over intermediate values.
func (s *Stream[T]) Tail() *Stream[T] {
	for s.Published() {
		s = s.Next
	}
	return s
}

// Follow calls fn for every value published on s, in order,
// starting with s itself.
//
// Follow returns the context's cause when ctx is canceled,
// or the first non-nil error returned by fn.
func Follow[T any](ctx context.Context, s *Stream[T], fn func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)

		case <-s.Ready:
			if err := fn(s.Val); err != nil {
				return err
			}
			s = s.Next
		}
	}
}
