package kernel

import "encoding/json"

// Channel names one of the two logical sub-protocols a kernel exposes.
type Channel string

const (
	// ChannelControl carries request/reply exchanges between one client and
	// the kernel.
	ChannelControl Channel = "control"
	// ChannelBroadcast carries kernel-emitted messages fanned out to every
	// attached observer.
	ChannelBroadcast Channel = "broadcast"
)

func ParseChannel(value string) (Channel, bool) {
	switch Channel(value) {
	case ChannelControl:
		return ChannelControl, true
	case ChannelBroadcast:
		return ChannelBroadcast, true
	default:
		return "", false
	}
}

// Header carries the routing metadata this layer needs. Everything else a
// kernel puts in a message travels opaquely in Content.
type Header struct {
	MessageID string `json:"msg_id"`
	Session   string `json:"session,omitempty"`
	Type      string `json:"msg_type"`
}

// Message is the envelope relayed between clients and kernel channel
// endpoints. Content is never inspected, only forwarded.
type Message struct {
	Header  Header          `json:"header"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Stamped returns a copy of the message with the session recorded in the
// header, so a broadcast observer can recognize the kernel's echo of its own
// prior command.
func (m Message) Stamped(sessionID string) Message {
	m.Header.Session = sessionID
	return m
}
