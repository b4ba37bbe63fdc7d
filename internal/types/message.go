package types

import "time"

// Request is one half of a Message (spec.md §3).
//
// Inherit copies the prompting Request's correlation id and rsvp rather than
// starting a fresh conversation. ExpectsResponse, when set, is how long the
// sender is willing to wait for a matching Response.
type Request struct {
	Inherit         bool
	ExpectsResponse *time.Duration
	Body            []byte
	Metadata        *string
}

// Response is the other half of a Message.
type Response struct {
	Body     []byte
	Metadata *string
}

// Message is either a Request or a Response; exactly one of the two fields
// is non-nil.
type Message struct {
	Request  *Request
	Response *Response
}

// IsRequest reports whether this Message carries a Request.
func (m Message) IsRequest() bool { return m.Request != nil }

// Payload is the optional out-of-band bytes attached to an envelope,
// analogous to an HTTP body distinct from the JSON command in Body.
type Payload struct {
	Mime  *string
	Bytes []byte
}

// KernelMessage is the envelope the message bus and kernel route (spec.md §3).
type KernelMessage struct {
	ID                 uint64
	Source             Address
	Target             Address
	Rsvp               *Address
	Message            Message
	Payload            *Payload
	SignedCapabilities []SignedCapability
}
