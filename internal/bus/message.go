// Package bus connects the ui, page, and background contexts with typed
// request/response and broadcast event messaging. Contexts share no
// memory; the bus and the store's change channel are the only concurrency
// boundaries between them.
package bus

import (
	"github.com/basket/extcore/internal/registry"
	"github.com/google/uuid"
)

// Kind classifies a message.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Message is a single bus message. Messages are immutable once sent: the
// bus delivers copies and never mutates payloads. A response carries the
// originating request's ID as its CorrelationID.
type Message struct {
	ID            string
	From          string // sender instance ID
	To            registry.Selector
	Kind          Kind
	Payload       any
	CorrelationID string
}

// NewRequest builds a request message with a fresh ID. The destination
// selector is resolved at send time, not here.
func NewRequest(from string, to registry.Selector, payload any) Message {
	return Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Kind:    KindRequest,
		Payload: payload,
	}
}

// NewEvent builds a fire-and-forget event message.
func NewEvent(from string, to registry.Selector, payload any) Message {
	return Message{
		ID:      uuid.NewString(),
		From:    from,
		To:      to,
		Kind:    KindEvent,
		Payload: payload,
	}
}
