// Package framebus fans playback frames out to subscribed listeners
// without locks. The session publishes a frame per tick; SSE handlers and
// the optional NATS bridge subscribe. Channels keep the producer decoupled
// so a slow consumer never stalls the playback loop.
package framebus

import (
	"context"
)

// Frame is one playback heartbeat. Consumers use the version counters to
// decide whether their cached trip set is stale.
type Frame struct {
	TimeMs        int64   `json:"timeMs"`
	Speed         float64 `json:"speed"`
	Playing       bool    `json:"playing"`
	CacheVersion  uint64  `json:"cacheVersion"`
	DecodeVersion uint64  `json:"decodeVersion"`
	TripCount     int     `json:"tripCount"`
	AtUnixMs      int64   `json:"atUnixMs"`
}

// Bus broadcasts frames to all current subscribers.
type Bus struct {
	publish     chan Frame
	subscribe   chan subscription
	unsubscribe chan subscription
	done        chan struct{}
}

type subscription struct {
	ch chan Frame
}

// NewBus constructs a broadcaster. Subscribers are pruned by their own
// contexts; the bus itself stops on Close.
func NewBus(buffer int) *Bus {
	b := &Bus{
		publish:     make(chan Frame, buffer),
		subscribe:   make(chan subscription),
		unsubscribe: make(chan subscription),
		done:        make(chan struct{}),
	}
	go b.run()
	return b
}

// Close stops the fan-out loop.
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}

// Publish forwards a frame to every listener. Non-blocking sends keep the
// playback loop immune to slow or absent clients.
func (b *Bus) Publish(f Frame) {
	select {
	case b.publish <- f:
	default:
	}
}

// Subscribe registers a listener. The returned channel closes when the
// provided context ends or the bus itself stops.
func (b *Bus) Subscribe(ctx context.Context, buffer int) <-chan Frame {
	ch := make(chan Frame, buffer)
	req := subscription{ch: ch}

	select {
	case <-b.done:
		close(ch)
		return ch
	case b.subscribe <- req:
	}

	// The watcher only asks for removal; run closes the channel. A close
	// here could race a publish send into the same channel.
	go func() {
		<-ctx.Done()
		select {
		case <-b.done:
		case b.unsubscribe <- req:
		}
	}()

	return ch
}

func (b *Bus) run() {
	listeners := make([]chan Frame, 0, 8)

	for {
		select {
		case <-b.done:
			for _, ch := range listeners {
				close(ch)
			}
			return
		case req := <-b.subscribe:
			listeners = append(listeners, req.ch)
		case req := <-b.unsubscribe:
			filtered := listeners[:0]
			for _, existing := range listeners {
				if existing != req.ch {
					filtered = append(filtered, existing)
				}
			}
			listeners = filtered
			close(req.ch)
		case f := <-b.publish:
			for _, ch := range listeners {
				select {
				case ch <- f:
				default:
				}
			}
		}
	}
}
