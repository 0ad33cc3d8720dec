// Package protocol holds the transport handlers that pull payloads from
// devices or brokers, and the factory that builds them from a transport
// kind.
package protocol

import (
	"bytes"
	"context"
	"strings"
)

type Kind string

const (
	KindTCP  Kind = "tcp"
	KindMQTT Kind = "mqtt"
	KindHTTP Kind = "http"
)

func (k Kind) String() string { return string(k) }

// ParseKind normalizes a transport name. The result may still be a kind
// no handler exists for.
func ParseKind(s string) Kind { return Kind(strings.ToLower(strings.TrimSpace(s))) }

// Handler is one transport session.
//
// ReceiveNext returns (nil, nil) when nothing arrived within the handler's
// wait; callers decide whether to retry. Handlers never retry on their own.
// Disconnect is safe to call more than once and on a handler that never
// connected.
type Handler interface {
	Connect(ctx context.Context) error
	ReceiveNext(ctx context.Context) ([]byte, error)
	Disconnect()
	Transport() Kind
	// Source identifies the remote end; stored as the raw row's
	// source_address.
	Source() string
}

// Clean turns raw bytes into the text stored in the raw store: invalid
// UTF-8 is dropped and surrounding whitespace trimmed. An empty result
// means there is no message.
func Clean(b []byte) []byte {
	return bytes.TrimSpace(bytes.ToValidUTF8(b, nil))
}
