// Package smbcast defines the cross-process broadcast channel
// that a parent map uses to publish snapshots to its children.
//
// A [Publisher] is the parent-writable side:
// values set under a namespace key are delivered lazily,
// and [Publisher.Flush] forces delivery of everything pending.
// A [Subscriber] is the child side:
// it offers a synchronous read of the last delivered value
// and a [smpubsub.Stream] of [Change] events.
//
// [Hub] is the in-process implementation of both sides.
// The smquic and smfile subpackages carry a Hub's deliveries
// across process boundaries.
package smbcast
