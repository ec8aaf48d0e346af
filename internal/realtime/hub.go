package realtime

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 32

type subscriber struct {
	ch       chan Message
	channels []string
}

// Hub delivers messages to the local subscribers of a channel. Slow
// subscribers lose messages instead of blocking the sender.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*subscriber]struct{}
	dropped  atomic.Int64
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*subscriber]struct{})}
}

// Subscribe joins the given channels until ctx is done, then closes the returned channel.
func (h *Hub) Subscribe(ctx context.Context, buffer int, channels ...string) <-chan Message {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Message, buffer), channels: channels}

	h.mu.Lock()
	for _, name := range channels {
		set, ok := h.channels[name]
		if !ok {
			set = make(map[*subscriber]struct{})
			h.channels[name] = set
		}
		set[sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		for _, name := range sub.channels {
			set := h.channels[name]
			delete(set, sub)
			if len(set) == 0 {
				delete(h.channels, name)
			}
		}
		h.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch
}

// Deliver hands msg to every subscriber of msg.Channel and reports how many took it.
func (h *Hub) Deliver(msg Message) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sub := range h.channels[msg.Channel] {
		select {
		case sub.ch <- msg:
			n++
		default:
			h.dropped.Add(1)
		}
	}
	return n
}

// Subscribers counts the local subscribers of channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Dropped counts messages lost to full subscriber buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
