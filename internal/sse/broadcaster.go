package sse

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dob-edge/feedhub/internal/monitoring"
)

// Removal reasons, recorded in metrics.
const (
	ReasonWriteFailed = "write_failed"
	ReasonCancelled   = "cancelled"
	ReasonSlow        = "slow"
	ReasonShutdown    = "shutdown"
)

// EventFrame renders a named SSE event: "event: <name>\ndata: <json>\n\n".
func EventFrame(name string, data []byte) []byte {
	var b strings.Builder
	b.Grow(len(name) + len(data) + 16)
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteString("\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")
	return []byte(b.String())
}

// DataFrame renders an unnamed SSE event: "data: <json>\n\n".
func DataFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// CommentFrame renders an SSE comment: ": <text>\n\n". Comments carry
// liveness pings and the anti-buffering padding.
func CommentFrame(text string) []byte {
	out := make([]byte, 0, len(text)+4)
	out = append(out, ": "...)
	out = append(out, text...)
	out = append(out, "\n\n"...)
	return []byte(out)
}

// PaddingComment is a ~2 KiB comment written first on every attach to defeat
// intermediary response buffering.
var PaddingComment = CommentFrame(strings.Repeat("p", 2048))

// Broadcaster owns one group's subscriber set and its write policy.
//
// Write policy: frames are enqueued non-blocking per subscriber; a full
// buffer means the subscriber cannot keep up and it is removed atomically
// (delete before continuing) so no further writes are attempted. One slow
// subscriber never delays the others.
type Broadcaster struct {
	name   string
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	// onEmpty runs (outside the lock) whenever the subscriber count drops
	// to zero. The owning group uses it to start its grace timer.
	onEmpty func()

	heartbeatStop chan struct{}
	heartbeatOnce sync.Once
}

func NewBroadcaster(name string, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		name:          name,
		logger:        logger.With().Str("component", "broadcaster").Str("group", name).Logger(),
		clients:       make(map[string]*Client),
		heartbeatStop: make(chan struct{}),
	}
}

// SetOnEmpty registers the empty-group callback. Must be set before the
// first attach.
func (b *Broadcaster) SetOnEmpty(fn func()) {
	b.onEmpty = fn
}

// Attach adds a subscriber and returns the new count.
func (b *Broadcaster) Attach(c *Client) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.close()
		return 0
	}
	b.clients[c.ID] = c
	monitoring.ClientAttached()
	return len(b.clients)
}

// AttachWithReplay adds a subscriber and enqueues its replay frames in one
// critical section, so a concurrent Broadcast cannot interleave a newer
// frame ahead of the retained snapshot. Returns the new count.
func (b *Broadcaster) AttachWithReplay(c *Client, frames ...[]byte) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.close()
		return 0
	}
	b.clients[c.ID] = c
	monitoring.ClientAttached()
	for _, frame := range frames {
		select {
		case c.send <- frame:
		default:
			// A fresh subscriber's buffer cannot fill on replay alone; if
			// it does the subscriber is already dead.
			delete(b.clients, c.ID)
			n := len(b.clients)
			b.mu.Unlock()
			c.close()
			monitoring.ClientDetached()
			monitoring.SubscriberDropped(ReasonSlow)
			return n
		}
	}
	n := len(b.clients)
	b.mu.Unlock()
	return n
}

// Detach removes a subscriber. Returns the remaining count. Safe for
// unknown ids (a write failure may race the cancel signal).
func (b *Broadcaster) Detach(id, reason string) int {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	n := len(b.clients)
	closed := b.closed
	b.mu.Unlock()

	if !ok {
		return n
	}
	c.close()
	monitoring.ClientDetached()
	monitoring.SubscriberDropped(reason)

	if n == 0 && !closed && b.onEmpty != nil {
		b.onEmpty()
	}
	return n
}

// Count returns the current subscriber count.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Broadcast enqueues one frame to every subscriber. Subscribers whose
// buffer is full are removed before the loop continues, so a failing
// subscriber removes only itself and every other subscriber still receives
// the frame.
func (b *Broadcaster) Broadcast(frame []byte, event string) {
	b.mu.Lock()
	var dead []*Client
	for _, c := range b.clients {
		select {
		case c.send <- frame:
		default:
			// Buffer full: the subscriber is not draining. Remove now
			// (delete-before-continue) so no further writes are attempted.
			delete(b.clients, c.ID)
			dead = append(dead, c)
		}
	}
	n := len(b.clients)
	closed := b.closed
	b.mu.Unlock()

	if event != "" {
		monitoring.FrameSent(event)
	}
	for _, c := range dead {
		c.close()
		monitoring.ClientDetached()
		monitoring.SubscriberDropped(ReasonSlow)
		b.logger.Warn().Str("client_id", c.ID).Msg("Removed slow subscriber")
	}
	if len(dead) > 0 && n == 0 && !closed && b.onEmpty != nil {
		b.onEmpty()
	}
}

// BroadcastEvent renders and broadcasts a named event frame.
func (b *Broadcaster) BroadcastEvent(name string, data []byte) {
	b.Broadcast(EventFrame(name, data), name)
}

// BroadcastData renders and broadcasts an unnamed event frame.
func (b *Broadcaster) BroadcastData(data []byte) {
	b.Broadcast(DataFrame(data), "data")
}

// BroadcastComment renders and broadcasts a comment frame.
func (b *Broadcaster) BroadcastComment(text string) {
	b.Broadcast(CommentFrame(text), "comment")
}

// SendTo enqueues frames to a single subscriber, in order, ahead of any
// later broadcast. Used for the attach-time replay. Returns false if the
// subscriber's buffer filled (it is removed).
func (b *Broadcaster) SendTo(c *Client, frames ...[]byte) bool {
	for _, frame := range frames {
		select {
		case c.send <- frame:
		case <-c.done:
			return false
		default:
			b.Detach(c.ID, ReasonSlow)
			return false
		}
	}
	return true
}

// StartHeartbeat emits a liveness comment every interval while the group
// has subscribers. The tick doubles as the sweep for cancelled subscribers:
// their writer loops have exited, so their buffers fill and Broadcast
// prunes them.
func (b *Broadcaster) StartHeartbeat(interval time.Duration) {
	b.heartbeatOnce.Do(func() {
		go func() {
			defer monitoring.RecoverPanic(b.logger, "heartbeat", map[string]any{"group": b.name})
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if b.Count() > 0 {
						b.BroadcastComment("hb")
					}
				case <-b.heartbeatStop:
					return
				}
			}
		}()
	})
}

// Close removes every subscriber and stops the heartbeat. The broadcaster
// must not be reused afterwards.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*Client)
	b.mu.Unlock()

	close(b.heartbeatStop)
	for _, c := range clients {
		c.close()
		monitoring.ClientDetached()
		monitoring.SubscriberDropped(ReasonShutdown)
	}
}
