package sse

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sendBuffer is the per-subscriber frame buffer. A subscriber that falls
// this many frames behind is treated as dead and removed; slow subscribers
// must never stall the rest of a group.
const sendBuffer = 64

// Client is one SSE subscriber: a unique id, an ordered frame sink and a
// removal signal. The write sink is drained by exactly one goroutine (the
// HTTP handler's writer loop); the broadcaster only enqueues.
type Client struct {
	ID         string
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	attachedAt time.Time
}

func NewClient() *Client {
	return &Client{
		ID:         uuid.NewString(),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		attachedAt: time.Now(),
	}
}

// Frames is the ordered byte-frame sink the writer loop drains.
func (c *Client) Frames() <-chan []byte {
	return c.send
}

// Done is closed when the client has been removed from its group. After
// Done no further frames are enqueued.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// close marks the client removed. Idempotent.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
