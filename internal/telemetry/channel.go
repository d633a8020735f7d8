package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/gosymbo/voiceclient/internal/client"
)

const (
	channelBuffer = 64
	submitTimeout = 5 * time.Second
)

// statsEvent is one entry on a call's quality-telemetry stream.
type statsEvent struct {
	CallID string         `json:"call_id"`
	Event  string         `json:"event"`
	AtMS   int64          `json:"at_ms"`
	Fields map[string]any `json:"fields,omitempty"`
}

// OpenChannel implements client.StatsChannelOpener: each call gets its own
// buffered stream with a dedicated flush goroutine. When the backend is not
// configured the channel still accepts events and drops them.
func (s *Service) OpenChannel(callID string) client.StatsChannel {
	ch := &statsChannel{
		service: s,
		callID:  callID,
		events:  make(chan statsEvent, channelBuffer),
		done:    make(chan struct{}),
	}
	go ch.flushLoop()
	return ch
}

type statsChannel struct {
	service *Service
	callID  string
	events  chan statsEvent
	done    chan struct{}

	closeOnce sync.Once
}

// Submit enqueues an event. A full buffer drops the event rather than
// blocking the caller, which may hold the client lock.
func (c *statsChannel) Submit(event string, fields map[string]any) {
	ev := statsEvent{
		CallID: c.callID,
		Event:  event,
		AtMS:   time.Now().UnixMilli(),
		Fields: fields,
	}
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.service.logger.Debug("stats event dropped, buffer full",
			"call_id", c.callID,
			"event", event,
		)
	}
}

func (c *statsChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// flushLoop posts events one at a time until the channel closes, then drains
// whatever is still buffered.
func (c *statsChannel) flushLoop() {
	for {
		select {
		case ev := <-c.events:
			c.post(ev)
		case <-c.done:
			for {
				select {
				case ev := <-c.events:
					c.post(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *statsChannel) post(ev statsEvent) {
	if !c.service.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := c.service.post(ctx, "/v1/insights/call-stats", ev, nil); err != nil {
		c.service.logger.Debug("stats event submit failed",
			"call_id", c.callID,
			"event", ev.Event,
			"error", err,
		)
	}
}
