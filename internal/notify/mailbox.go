// Package notify buffers the human-readable outcome messages of each local
// identity until the host drains them.
package notify

import (
	"log"
	"sync"
	"time"
)

const (
	DefaultCapacity      = 32
	DefaultMaxIdentities = 4096
)

type Message struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Mailbox is a bounded FIFO per identity. When a box is full the oldest
// message is dropped; when MaxIdentities boxes exist, the box that was
// written to least recently is dropped to make room.
type Mailbox struct {
	// MaxIdentities bounds the number of undrained boxes.
	MaxIdentities int

	mu       sync.Mutex
	capacity int
	boxes    map[string][]Message
	now      func() time.Time
}

func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{
		MaxIdentities: DefaultMaxIdentities,
		capacity:      capacity,
		boxes:         make(map[string][]Message),
		now:           time.Now,
	}
}

func (m *Mailbox) Notify(identity, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boxes[identity]; !ok && m.MaxIdentities > 0 && len(m.boxes) >= m.MaxIdentities {
		m.evictStalest()
	}
	box := append(m.boxes[identity], Message{Text: text, At: m.now()})
	if over := len(box) - m.capacity; over > 0 {
		log.Printf("📭 [Notify] %s: mailbox full, dropped %d old message(s)", identity, over)
		box = append([]Message(nil), box[over:]...)
	}
	m.boxes[identity] = box
}

// Drain returns and clears the identity's messages, oldest first.
func (m *Mailbox) Drain(identity string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	box := m.boxes[identity]
	delete(m.boxes, identity)
	if box == nil {
		return []Message{}
	}
	return box
}

// Peek returns a copy of the identity's messages without clearing them.
func (m *Mailbox) Peek(identity string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message{}, m.boxes[identity]...)
}

func (m *Mailbox) evictStalest() {
	var (
		victim string
		oldest time.Time
	)
	for id, box := range m.boxes {
		last := box[len(box)-1].At
		if victim == "" || last.Before(oldest) {
			victim, oldest = id, last
		}
	}
	log.Printf("📭 [Notify] %s: evicted undrained mailbox (%d message(s))", victim, len(m.boxes[victim]))
	delete(m.boxes, victim)
}
