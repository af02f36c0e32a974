// Package transport names the factory message channel as a capability
// interface, the way pkg/ntag424's Card names APDU transmit: one small
// surface, chosen once at startup, never swapped.
package transport

// Transport is the framed factory-message channel a provisioning session
// runs over. It carries no ESFS semantics of its own; callers layer
// request/response framing on top of Send/ReadMessage.
type Transport interface {
	Init() error
	Finish() error
	Send(p []byte) error
	ReadMessageSize() (int, error)
	ReadMessage(buf []byte) (int, error)
	ReadSignature(buf []byte) (int, error)
	IsTokenDetected() bool
}
