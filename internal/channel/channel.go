// Package channel provides generic channel interfaces for decoupled
// communication, used for the per-connection outbound frame queues.
package channel

// Receiver provides read access to a channel.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a channel.
type Sender[T any] interface {
	Send(T)
	// TrySend attempts a non-blocking send and reports whether the
	// value was accepted. A full buffer drops the value.
	TrySend(T) bool
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
