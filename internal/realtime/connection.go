package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionRecord 单个 socket 的登记信息
type ConnectionRecord struct {
	SocketID      string    `json:"socketId"`
	RemoteAddress string    `json:"remoteAddress"`
	ClientType    string    `json:"clientType"`
	ControllerID  string    `json:"controllerId,omitempty"`
	BoundDeviceID string    `json:"boundDeviceId,omitempty"`
	ConnectedAt   time.Time `json:"connectedAt"`
}

// connection 包装 gorilla 连接
// gorilla 的连接只允许一个并发写者，所有写操作经过 writeMu
type connection struct {
	record    ConnectionRecord
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, record ConnectionRecord, writeWait time.Duration) *connection {
	return &connection{
		record:    record,
		conn:      conn,
		writeWait: writeWait,
		closed:    make(chan struct{}),
	}
}

func (c *connection) send(event string, data interface{}) error {
	frame, err := encodeEnvelope(event, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *connection) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait))
}

// close 发送关闭帧并关闭底层连接，可重复调用
func (c *connection) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(c.writeWait))
		close(c.closed)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}
