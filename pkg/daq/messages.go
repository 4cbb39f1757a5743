package daq

import (
	"fmt"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// MessageKind classifies connection status messages.
type MessageKind int

const (
	MessageConnecting MessageKind = iota
	MessageConnected
	MessageConfigure
	MessageStarted
	MessageError
	MessageStopped
)

func (k MessageKind) String() string {
	switch k {
	case MessageConnecting:
		return "connecting"
	case MessageConnected:
		return "connected"
	case MessageConfigure:
		return "configure"
	case MessageStarted:
		return "started"
	case MessageError:
		return "error"
	case MessageStopped:
		return "stopped"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

func (k MessageKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Message is a human readable status update about one connection.
type Message struct {
	Kind    MessageKind `json:"kind"`
	Address string      `json:"address"`
	Text    string      `json:"text"`
	Time    time.Time   `json:"time"`
}

const messageBacklog = 64

// messageQueue keeps the latest status messages; the oldest are overwritten
// when nobody drains them.
type messageQueue struct {
	address string
	buffer  mpmc.RichOverlappedRingBuffer[Message]
}

func newMessageQueue(address string) *messageQueue {
	return &messageQueue{
		address: address,
		buffer:  mpmc.NewOverlappedRingBuffer[Message](messageBacklog),
	}
}

func (q *messageQueue) post(kind MessageKind, format string, args ...interface{}) {
	_, _ = q.buffer.EnqueueM(Message{
		Kind:    kind,
		Address: q.address,
		Text:    fmt.Sprintf(format, args...),
		Time:    time.Now(),
	})
}

// drain returns all queued messages, oldest first.
func (q *messageQueue) drain() []Message {
	var out []Message
	for !q.buffer.IsEmpty() {
		m, err := q.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, m)
	}
	return out
}
