package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max message size per frame
	sendBuffer = 256              // Per-connection outbound channel buffer
)

// wsTransport owns one WebSocket. All writes go through the send channel to
// the writePump goroutine; readPump is the only reader. Close is safe from
// any goroutine and idempotent.
type wsTransport struct {
	id   string
	raw  *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	code   int
	reason string
}

func newWSTransport(id string, raw *websocket.Conn) *wsTransport {
	return &wsTransport{
		id:   id,
		raw:  raw,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		code: websocket.CloseNormalClosure,
	}
}

// Send enqueues a frame without blocking. A full buffer drops the frame; a
// slow consumer must not stall every other connection.
func (t *wsTransport) Send(frame []byte) bool {
	select {
	case <-t.done:
		return false
	default:
	}
	select {
	case t.send <- frame:
		return true
	default:
		slog.Warn("Send buffer full, dropping frame", "conn_id", t.id)
		return false
	}
}

// Close initiates a close with the given code and reason. The first caller
// wins; the writePump delivers the close frame.
func (t *wsTransport) Close(code int, reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.code = code
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

func (t *wsTransport) closeFrame() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return websocket.FormatCloseMessage(t.code, t.reason)
}

// writePump serializes all writes to the socket: queued frames first, then
// the close frame once Close fires.
func (t *wsTransport) writePump() {
	defer t.raw.Close()

	for {
		select {
		case frame := <-t.send:
			t.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.raw.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Warn("Write failed", "conn_id", t.id, "error", err)
				t.Close(websocket.CloseAbnormalClosure, "write_failed")
				return
			}

			// Drain queued frames while we hold the socket.
			n := len(t.send)
			for i := 0; i < n; i++ {
				if err := t.raw.WriteMessage(websocket.TextMessage, <-t.send); err != nil {
					slog.Warn("Batch write failed", "conn_id", t.id, "error", err)
					t.Close(websocket.CloseAbnormalClosure, "write_failed")
					return
				}
			}

		case <-t.done:
			t.raw.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.raw.WriteMessage(websocket.CloseMessage, t.closeFrame()); err != nil {
				slog.Debug("Close frame write failed", "conn_id", t.id, "error", err)
			}
			return
		}
	}
}

// readPump reads frames serially and hands each to onFrame. Binary frames
// close the connection with 1003. Returns when the socket dies or Close
// fires.
func (t *wsTransport) readPump(onFrame func(data []byte)) {
	defer t.Close(websocket.CloseNormalClosure, "")

	t.raw.SetReadLimit(maxMsgSize)
	for {
		msgType, payload, err := t.raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("Read loop ended", "conn_id", t.id, "error", err)
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			t.Close(websocket.CloseUnsupportedData, "binary_not_supported")
			return
		}
		onFrame(payload)
	}
}
