package gateway

import (
	"log"
	"time"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
)

// CloseHeartbeatTimeout is the close code for a missed pong deadline.
const CloseHeartbeatTimeout = 4001

// heartbeat pings every live connection from a single scheduler goroutine
// rather than one timer per connection.
type heartbeat struct {
	registry *registry.Registry
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
	logger   *log.Logger
}

// newHeartbeat returns nil when the interval disables heartbeating.
func newHeartbeat(reg *registry.Registry, interval, timeout time.Duration) *heartbeat {
	if interval <= 0 {
		return nil
	}
	if timeout <= 0 {
		timeout = 2 * interval
	}
	return &heartbeat{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags),
	}
}

func (h *heartbeat) start() {
	if h == nil {
		return
	}
	go h.loop()
}

func (h *heartbeat) stop() {
	if h == nil {
		return
	}
	close(h.done)
}

func (h *heartbeat) loop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.tick(time.Now())
		case <-h.done:
			return
		}
	}
}

// tick closes connections whose last ping went unanswered past the timeout,
// then pings the rest.
func (h *heartbeat) tick(now time.Time) {
	for _, conn := range h.registry.Snapshot() {
		lastPing, lastPong := conn.Heartbeat()
		if !lastPing.IsZero() && lastPong.Before(lastPing) && now.Sub(lastPing) >= h.timeout {
			h.logger.Printf("Connection %s missed pong deadline, closing", conn.ID)
			conn.Close(CloseHeartbeatTimeout, "heartbeat_timeout")
			continue
		}
		if conn.Send(protocol.EncodePing()) {
			conn.MarkPing(now)
		}
	}
}
