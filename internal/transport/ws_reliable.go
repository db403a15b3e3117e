package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

// wsReliableSender adapts a gorilla/websocket connection to ReliableSender,
// grounded on the write-serialization pattern in
// rustyguts-bken/server/internal/ws/handler.go (one writer goroutine per
// connection, SetWriteDeadline before every write).
type wsReliableSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSReliableSender(conn *websocket.Conn) *wsReliableSender {
	return &wsReliableSender{conn: conn}
}

func (w *wsReliableSender) SendFrame(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (w *wsReliableSender) Close() error {
	return w.conn.Close()
}

// Upgrader wraps the same permissive-origin gorilla/websocket.Upgrader the
// teacher uses (admission/auth happens upstream of this package).
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(_ *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ReadLoop pumps inbound frames from conn to onFrame until the connection
// closes or onFrame returns false, mirroring the teacher's control-message
// read loop in rustyguts-bken/server/client.go.
func ReadLoop(conn *websocket.Conn, onFrame func(frame []byte) (keepGoing bool)) {
	conn.SetReadLimit(1 << 20)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !onFrame(data) {
			return
		}
	}
}
